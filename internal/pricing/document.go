package pricing

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownModel is returned by Lookup when no verified entry exists for
	// the provider/model pair. Callers must never fall back to a guessed rate.
	ErrUnknownModel = errors.New("no pricing entry for model")

	// ErrVerificationFailed is returned when a pricing document cannot be
	// trusted: bad signature, wrong schema version, or malformed envelope.
	// The previously cached catalog is retained.
	ErrVerificationFailed = errors.New("pricing document verification failed")

	// ErrUnavailable is returned by Lookup when no verified table has ever
	// been loaded and the refresh attempt failed. Requests must be refused
	// rather than priced blind.
	ErrUnavailable = errors.New("pricing catalog unavailable")
)

// Entry is the verified cost rate for one provider/model pair. Rates are in
// microcents per token so estimates stay in integer arithmetic.
type Entry struct {
	Provider                 string `json:"provider"`
	Model                    string `json:"model"`
	InputMicrocentsPerToken  int64  `json:"input_microcents_per_token"`
	OutputMicrocentsPerToken int64  `json:"output_microcents_per_token"`
}

// Document is the full pricing table as published by the pricing source.
type Document struct {
	SchemaVersion int       `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Entries       []Entry   `json:"entries"`
}

// Envelope wraps a document with its provenance signature. The signature is
// Ed25519 over the raw payload bytes.
type Envelope struct {
	Payload   string `json:"payload"`   // base64 of the Document JSON
	Signature string `json:"signature"` // base64 of the Ed25519 signature
	KeyID     string `json:"key_id"`
}

// ParseTrustKey decodes a hex-encoded Ed25519 public key.
func ParseTrustKey(hexKey string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding trust key hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("trust key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// OpenEnvelope verifies the envelope signature against the trust key and
// returns the decoded document. It fails closed on any malformation.
func OpenEnvelope(data []byte, trustKey ed25519.PublicKey) (*Document, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", ErrVerificationFailed, err)
	}
	if env.Payload == "" || env.Signature == "" {
		return nil, fmt.Errorf("%w: envelope missing payload or signature", ErrVerificationFailed)
	}

	payload, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding payload: %v", ErrVerificationFailed, err)
	}
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding signature: %v", ErrVerificationFailed, err)
	}

	if len(trustKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: no trust key configured", ErrVerificationFailed)
	}
	if !ed25519.Verify(trustKey, payload, sig) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrVerificationFailed)
	}

	return decodeDocument(payload)
}

// ParseUnsigned decodes a bare document. Only valid when signature
// enforcement has been explicitly disabled; envelopes are accepted too, with
// their signature ignored.
func ParseUnsigned(data []byte) (*Document, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err == nil && env.Payload != "" {
		payload, err := base64.StdEncoding.DecodeString(env.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: decoding payload: %v", ErrVerificationFailed, err)
		}
		return decodeDocument(payload)
	}
	return decodeDocument(data)
}

func decodeDocument(payload []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: malformed document: %v", ErrVerificationFailed, err)
	}
	return &doc, nil
}

// SignDocument builds a signed envelope for the given document. Used by the
// catalog tests and by operators publishing a pricing table.
func SignDocument(doc *Document, key ed25519.PrivateKey, keyID string) ([]byte, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshaling document: %w", err)
	}
	env := Envelope{
		Payload:   base64.StdEncoding.EncodeToString(payload),
		Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(key, payload)),
		KeyID:     keyID,
	}
	return json.Marshal(env)
}
