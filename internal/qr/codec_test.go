package qr_test

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"ms-settlement/internal/qr"
)

func TestEncodeVerifyRoundTrip(t *testing.T) {
	codec := qr.NewCodec("test-signing-secret")

	ticketID := uuid.New().String()
	encoded, err := codec.Encode(ticketID, 42)
	assert.NoError(t, err)
	assert.NotEmpty(t, encoded.QRPayload)
	assert.Len(t, encoded.QRToken, 64)

	result := codec.Verify(encoded.QRPayload)
	assert.True(t, result.Valid)
	assert.Equal(t, ticketID, result.TicketID)
	assert.Equal(t, int64(42), result.EventID)
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	codec := qr.NewCodec("test-signing-secret")

	encoded, err := codec.Encode(uuid.New().String(), 42)
	assert.NoError(t, err)

	// Swap the event ID inside the envelope but keep the original
	// signature.
	raw, err := base64.RawURLEncoding.DecodeString(encoded.QRPayload)
	assert.NoError(t, err)

	var env map[string]interface{}
	assert.NoError(t, json.Unmarshal(raw, &env))
	env["eid"] = 99

	tampered, err := json.Marshal(env)
	assert.NoError(t, err)

	result := codec.Verify(base64.RawURLEncoding.EncodeToString(tampered))
	assert.False(t, result.Valid)
	assert.Equal(t, qr.ReasonInvalidSignature, result.Reason)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	signer := qr.NewCodec("secret-a")
	verifier := qr.NewCodec("secret-b")

	encoded, err := signer.Encode(uuid.New().String(), 7)
	assert.NoError(t, err)

	result := verifier.Verify(encoded.QRPayload)
	assert.False(t, result.Valid)
	assert.Equal(t, qr.ReasonInvalidSignature, result.Reason)
}

func TestVerifyMalformedInput(t *testing.T) {
	codec := qr.NewCodec("test-signing-secret")

	// Not base64url at all
	result := codec.Verify("not base64!!!")
	assert.False(t, result.Valid)
	assert.Equal(t, qr.ReasonParseError, result.Reason)

	// Valid base64 but not JSON
	result = codec.Verify(base64.RawURLEncoding.EncodeToString([]byte("hello")))
	assert.False(t, result.Valid)
	assert.Equal(t, qr.ReasonParseError, result.Reason)

	// Valid JSON missing required fields
	partial, _ := json.Marshal(map[string]interface{}{"tid": "t1"})
	result = codec.Verify(base64.RawURLEncoding.EncodeToString(partial))
	assert.False(t, result.Valid)
	assert.Equal(t, qr.ReasonMalformedPayload, result.Reason)
}

func TestNoncesMakePayloadsUnique(t *testing.T) {
	codec := qr.NewCodec("test-signing-secret")

	ticketID := uuid.New().String()
	first, err := codec.Encode(ticketID, 1)
	assert.NoError(t, err)
	second, err := codec.Encode(ticketID, 1)
	assert.NoError(t, err)

	assert.NotEqual(t, first.QRPayload, second.QRPayload)
	assert.NotEqual(t, first.QRToken, second.QRToken)
}

func TestRenderPNG(t *testing.T) {
	codec := qr.NewCodec("test-signing-secret")

	encoded, err := codec.Encode(uuid.New().String(), 3)
	assert.NoError(t, err)

	image, err := qr.RenderPNG(encoded.QRPayload)
	assert.NoError(t, err)
	assert.NotEmpty(t, image)
	// PNG magic bytes
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, image[:4])
}
