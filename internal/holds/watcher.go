package holds

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"ms-settlement/internal/logger"
	"ms-settlement/internal/models"
)

const keyPrefix = "hold:"

type HoldStore interface {
	ExpireHoldByID(holdID string) (bool, error)
	GetHoldByID(holdID string) (*models.TicketHold, error)
}

type HoldPublisher interface {
	PublishHoldExpired(hold models.TicketHold) error
}

// Watcher converts Redis key expirations into hold expiry. Each active
// hold carries a TTL key; when the key lapses the hold flips to
// expired unless settlement converted it first.
type Watcher struct {
	Redis  *redis.Client
	DB     HoldStore
	Kafka  HoldPublisher
	Logger *logger.Logger
}

func NewWatcher(rdb *redis.Client, store HoldStore, kafka HoldPublisher, log *logger.Logger) *Watcher {
	return &Watcher{Redis: rdb, DB: store, Kafka: kafka, Logger: log}
}

// TrackHold registers a TTL key so the watcher is notified when the
// hold's reservation window ends.
func (w *Watcher) TrackHold(ctx context.Context, holdID string, ttl time.Duration) error {
	return w.Redis.Set(ctx, keyPrefix+holdID, "1", ttl).Err()
}

// ReleaseHold drops the TTL key for a hold that settled before expiry.
func (w *Watcher) ReleaseHold(ctx context.Context, holdID string) error {
	return w.Redis.Del(ctx, keyPrefix+holdID).Err()
}

// Subscribe attaches to Redis keyevent expired notifications and
// processes hold keys until the context is cancelled.
func (w *Watcher) Subscribe(ctx context.Context) {
	val, err := w.Redis.ConfigGet(ctx, "notify-keyspace-events").Result()
	if err != nil {
		w.Logger.Error("REDIS", fmt.Sprintf("Failed to get keyspace config: %v", err))
	} else {
		w.Logger.Info("REDIS", fmt.Sprintf("Current keyspace notifications setting: %v", val))
		if len(val) < 2 || !strings.Contains(val[1].(string), "x") || !strings.Contains(val[1].(string), "E") {
			w.Logger.Warn("REDIS", "Keyspace notifications not properly configured for expiry events!")
		}
	}

	pubsub := w.Redis.PSubscribe(ctx, "__keyevent@0__:expired")
	w.Logger.Info("REDIS", fmt.Sprintf("Subscribed to Redis keyevent expired notifications (DB %d)", w.Redis.Options().DB))

	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				if strings.HasPrefix(msg.Payload, keyPrefix) {
					w.handleExpiredKey(strings.TrimPrefix(msg.Payload, keyPrefix))
				}
			}
		}
	}()
}

func (w *Watcher) handleExpiredKey(holdID string) {
	w.Logger.Info("HOLD_EXPIRY", fmt.Sprintf("Hold TTL lapsed for hold: %s", holdID))

	expired, err := w.DB.ExpireHoldByID(holdID)
	if err != nil {
		w.Logger.Error("HOLD_EXPIRY", fmt.Sprintf("Failed to expire hold %s: %v", holdID, err))
		return
	}
	if !expired {
		// Already converted or expired elsewhere, nothing to release.
		w.Logger.Info("HOLD_EXPIRY", fmt.Sprintf("Hold %s was no longer active, skipping", holdID))
		return
	}

	hold, err := w.DB.GetHoldByID(holdID)
	if err != nil {
		w.Logger.Error("HOLD_EXPIRY", fmt.Sprintf("Failed to load hold %s after expiry: %v", holdID, err))
		return
	}

	w.Logger.Info("HOLD_EXPIRY", fmt.Sprintf("Hold %s expired, releasing %d seat(s) for ticket type %d", hold.ID, hold.Quantity, hold.TicketTypeID))

	if w.Kafka != nil {
		if err := w.Kafka.PublishHoldExpired(*hold); err != nil {
			w.Logger.Error("KAFKA", fmt.Sprintf("Failed to publish hold expired event: %v", err))
		}
	}
}
