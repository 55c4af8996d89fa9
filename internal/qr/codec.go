package qr

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/skip2/go-qrcode"
)

// Codec produces and verifies self-contained ticket credentials. The
// signed payload lets a gate scanner check authenticity with only the
// shared secret, no store round-trip, which is what keeps scanning
// working in venues with bad connectivity.
type Codec struct {
	secret []byte
}

func NewCodec(secret string) *Codec {
	hashed := sha256.Sum256([]byte(secret)) // normalize to 32 bytes
	return &Codec{secret: hashed[:]}
}

// payloadEnvelope is the QR wire format: base64url(JSON), no padding.
// sig is HMAC-SHA256 over "tid|eid|nonce" truncated to 16 hex chars,
// trading verification strength for QR density. Changing the
// truncation changes the wire format.
type payloadEnvelope struct {
	TicketID string `json:"tid"`
	EventID  int64  `json:"eid"`
	Nonce    string `json:"nonce"`
	Sig      string `json:"sig"`
}

type Encoded struct {
	QRToken   string
	QRPayload string
}

type VerifyResult struct {
	Valid    bool
	Reason   string
	TicketID string
	EventID  int64
}

const (
	ReasonParseError       = "parse_error"
	ReasonMalformedPayload = "malformed_payload"
	ReasonInvalidSignature = "invalid_signature"
)

// Encode signs the ticket identity and returns both the compact signed
// payload and a 32-byte random hex legacy token for the store-lookup
// path. Fails only if the platform RNG is unavailable.
func (c *Codec) Encode(ticketID string, eventID int64) (*Encoded, error) {
	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("rng unavailable: %w", err)
	}
	nonceHex := hex.EncodeToString(nonce)

	env := payloadEnvelope{
		TicketID: ticketID,
		EventID:  eventID,
		Nonce:    nonceHex,
		Sig:      c.sign(ticketID, eventID, nonceHex),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	legacy := make([]byte, 32)
	if _, err := rand.Read(legacy); err != nil {
		return nil, fmt.Errorf("rng unavailable: %w", err)
	}

	return &Encoded{
		QRToken:   hex.EncodeToString(legacy),
		QRPayload: base64.RawURLEncoding.EncodeToString(raw),
	}, nil
}

// Verify checks a payload without touching the store. It fails closed:
// undecodable input is parse_error, decodable JSON missing fields is
// malformed_payload, and a signature mismatch is invalid_signature.
func (c *Codec) Verify(qrPayload string) VerifyResult {
	raw, err := base64.RawURLEncoding.DecodeString(qrPayload)
	if err != nil {
		return VerifyResult{Reason: ReasonParseError}
	}

	var env payloadEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return VerifyResult{Reason: ReasonParseError}
	}
	if env.TicketID == "" || env.EventID == 0 || env.Nonce == "" || env.Sig == "" {
		return VerifyResult{Reason: ReasonMalformedPayload}
	}

	expected := c.sign(env.TicketID, env.EventID, env.Nonce)
	if !hmac.Equal([]byte(expected), []byte(env.Sig)) {
		return VerifyResult{Reason: ReasonInvalidSignature}
	}

	return VerifyResult{Valid: true, TicketID: env.TicketID, EventID: env.EventID}
}

func (c *Codec) sign(ticketID string, eventID int64, nonce string) string {
	mac := hmac.New(sha256.New, c.secret)
	fmt.Fprintf(mac, "%s|%d|%s", ticketID, eventID, nonce)
	return hex.EncodeToString(mac.Sum(nil))[:16]
}

// RenderPNG draws the signed payload as a scannable QR image.
func RenderPNG(qrPayload string) ([]byte, error) {
	return qrcode.Encode(qrPayload, qrcode.Medium, 256)
}
