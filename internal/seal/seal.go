// Package seal signs and verifies state that crosses process boundaries.
//
// Any record persisted for another instance to read (bridge recovery state,
// restored breaker events) is wrapped in an HMAC-SHA256 envelope so a
// compromised or corrupted store cannot inject state into a healthy instance.
package seal

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrTampered indicates an envelope whose MAC does not match its value.
	ErrTampered = errors.New("seal: envelope MAC mismatch")
	// ErrUnsigned indicates a raw payload was found while signing is enabled.
	ErrUnsigned = errors.New("seal: unsigned payload rejected")
	// ErrCorrupt indicates a value that is not valid JSON at all.
	ErrCorrupt = errors.New("seal: corrupt payload")
)

// Envelope is the persisted wire form: the serialized payload plus its MAC.
type Envelope struct {
	Value json.RawMessage `json:"value"`
	MAC   string          `json:"mac"`
}

// Sealer signs and opens envelopes with a shared key. When disabled it passes
// payloads through unsigned, which supports staged rollouts of signing.
type Sealer struct {
	key     []byte
	enabled bool
}

// New creates a sealer. Signing is active only when enabled is true and the
// key is non-empty.
func New(key []byte, enabled bool) *Sealer {
	return &Sealer{key: key, enabled: enabled && len(key) > 0}
}

// Enabled reports whether envelopes are being signed.
func (s *Sealer) Enabled() bool {
	return s.enabled
}

// Seal serializes the payload and wraps it in a signed envelope. With signing
// disabled the bare JSON payload is returned.
func (s *Sealer) Seal(payload any) ([]byte, error) {
	value, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("seal: marshal payload: %w", err)
	}
	if !s.enabled {
		return value, nil
	}
	env := Envelope{
		Value: value,
		MAC:   s.mac(value),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("seal: marshal envelope: %w", err)
	}
	return raw, nil
}

// Open verifies a stored record and returns the inner payload.
//
// Behavior follows the recovery-state contract:
//   - signed envelope, valid MAC  -> payload
//   - signed envelope, bad MAC    -> ErrTampered
//   - raw payload, signing off    -> payload (legacy accept)
//   - raw payload, signing on     -> ErrUnsigned (caller logs and skips)
//   - not JSON                    -> ErrCorrupt (caller deletes)
func (s *Sealer) Open(raw []byte) (json.RawMessage, error) {
	if !json.Valid(raw) {
		return nil, ErrCorrupt
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.MAC != "" && len(env.Value) > 0 {
		if !hmac.Equal([]byte(env.MAC), []byte(s.mac(env.Value))) {
			return nil, ErrTampered
		}
		return env.Value, nil
	}

	// Raw, unsigned value.
	if s.enabled {
		return nil, ErrUnsigned
	}
	return json.RawMessage(raw), nil
}

func (s *Sealer) mac(value []byte) string {
	h := hmac.New(sha256.New, s.key)
	h.Write(value)
	return hex.EncodeToString(h.Sum(nil))
}
