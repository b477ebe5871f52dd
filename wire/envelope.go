// go-nearnet - Nearby device connectivity network
// Copyright (c) 2026 The go-nearnet Authors. All rights reserved.

// Package wire implements the typed JSON envelope exchanged between devices.
package wire

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync/atomic"
)

// ProtocolVersion is the wire protocol generation. It is stamped into every
// constructed envelope and announced in identity envelopes.
const ProtocolVersion = 5

// Envelope types consumed by the device core. The dotted names are shared
// with the other platform implementations, so they are part of the wire
// format and must not change.
const (
	TypeIdentity  = "kdeconnect.identity"
	TypePair      = "kdeconnect.pair"
	TypeEncrypted = "kdeconnect.encrypted"
	TypePing      = "kdeconnect.ping"
	TypeClipboard = "kdeconnect.clipboard"
)

var (
	// ErrMalformedEnvelope is returned when an envelope cannot be decoded from
	// its serialized form, either because the JSON is invalid or because a
	// required field is missing.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrCryptoFailure is returned when sealing or opening an envelope fails
	// at the RSA layer.
	ErrCryptoFailure = errors.New("crypto failure")
)

// idCounter assigns locally increasing envelope ids. The ids only need to be
// monotonic per sender, collisions across peers are meaningless and fine.
var idCounter int64

// Body is the dynamic payload of an envelope. Values are restricted to what
// JSON can express; the typed getters on Envelope coerce whatever a decode
// round trip produced back into the caller's expected type.
type Body map[string]interface{}

// Envelope is a single typed message exchanged between two devices. The id,
// type and version fields are fixed at construction and not reachable through
// the body accessors.
type Envelope struct {
	ID      int64  `json:"id"`
	Type    string `json:"type"`
	Body    Body   `json:"body"`
	Version int    `json:"version"`

	encrypted bool
}

// New creates a fresh envelope of the given type with an empty body and the
// current protocol version.
func New(kind string) *Envelope {
	return &Envelope{
		ID:      atomic.AddInt64(&idCounter, 1),
		Type:    kind,
		Body:    make(Body),
		Version: ProtocolVersion,
	}
}

// NewIdentity creates the identity announcement envelope a device introduces
// itself with on a freshly established link.
func NewIdentity(deviceID, deviceName string) *Envelope {
	env := New(TypeIdentity)
	env.Set("deviceId", deviceID)
	env.Set("deviceName", deviceName)
	env.Set("protocolVersion", ProtocolVersion)
	return env
}

// Encrypted reports whether the envelope body currently carries ciphertext.
func (e *Envelope) Encrypted() bool {
	return e.encrypted
}

// Set stores a value in the envelope body.
func (e *Envelope) Set(key string, value interface{}) {
	if e.Body == nil {
		e.Body = make(Body)
	}
	e.Body[key] = value
}

// Has reports whether the body contains the given key.
func (e *Envelope) Has(key string) bool {
	_, ok := e.Body[key]
	return ok
}

// GetBool retrieves a boolean body field, or the fallback if the key is
// absent or holds a different type.
func (e *Envelope) GetBool(key string, fallback bool) bool {
	if v, ok := e.Body[key].(bool); ok {
		return v
	}
	return fallback
}

// GetInt retrieves an integer body field, or the fallback if the key is
// absent or not numeric. JSON decoding produces float64, so that shape is
// accepted alongside the native integer ones.
func (e *Envelope) GetInt(key string, fallback int64) int64 {
	switch v := e.Body[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
	}
	return fallback
}

// GetString retrieves a string body field, or the fallback.
func (e *Envelope) GetString(key string, fallback string) string {
	if v, ok := e.Body[key].(string); ok {
		return v
	}
	return fallback
}

// GetBytes retrieves a binary body field, or the fallback. Binary values
// travel as base64 text on the wire, so both the in-memory byte slice and
// the decoded text form are accepted.
func (e *Envelope) GetBytes(key string, fallback []byte) []byte {
	switch v := e.Body[key].(type) {
	case []byte:
		return v
	case string:
		if blob, err := base64.StdEncoding.DecodeString(v); err == nil {
			return blob
		}
	}
	return fallback
}

// GetStringList retrieves a list-of-strings body field, or the fallback. A
// decode round trip turns the list into []interface{}, which is converted
// back element by element; any non-string element yields the fallback.
func (e *Envelope) GetStringList(key string, fallback []string) []string {
	switch v := e.Body[key].(type) {
	case []string:
		return v
	case []interface{}:
		list := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return fallback
			}
			list = append(list, s)
		}
		return list
	}
	return fallback
}

// Serialize encodes the envelope into its wire JSON form.
func (e *Envelope) Serialize() ([]byte, error) {
	blob, err := json.Marshal(e)
	if err != nil {
		return nil, ErrMalformedEnvelope
	}
	return blob, nil
}

// Deserialize decodes an envelope from its wire JSON form. Field order is
// irrelevant and unknown body keys are preserved, but a missing type makes
// the envelope meaningless and fails the decode.
func Deserialize(blob []byte) (*Envelope, error) {
	env := new(Envelope)
	if err := json.Unmarshal(blob, env); err != nil {
		return nil, ErrMalformedEnvelope
	}
	if env.Type == "" {
		return nil, ErrMalformedEnvelope
	}
	if env.Body == nil {
		env.Body = make(Body)
	}
	env.encrypted = env.Type == TypeEncrypted
	return env, nil
}

// Seal encrypts the envelope in place for the holder of the given public key.
// The entire serialized envelope becomes the plaintext, split into as many
// equal-size RSA blocks as needed, and the envelope degrades into the opaque
// encrypted carrier type with only the base64 blocks in its body. Sealing an
// already sealed envelope is a no-op.
func (e *Envelope) Seal(key *rsa.PublicKey) error {
	if e.encrypted {
		return nil
	}
	plain, err := e.Serialize()
	if err != nil {
		return err
	}
	// PKCS #1 v1.5 padding costs 11 bytes per block
	max := key.Size() - 11
	if max <= 0 {
		return ErrCryptoFailure
	}
	count := (len(plain) + max - 1) / max
	size := (len(plain) + count - 1) / count

	blocks := make([]string, 0, count)
	for start := 0; start < len(plain); start += size {
		end := start + size
		if end > len(plain) {
			end = len(plain)
		}
		cipher, err := rsa.EncryptPKCS1v15(rand.Reader, key, plain[start:end])
		if err != nil {
			return ErrCryptoFailure
		}
		blocks = append(blocks, base64.StdEncoding.EncodeToString(cipher))
	}
	e.Type = TypeEncrypted
	e.Body = Body{"data": blocks}
	e.encrypted = true
	return nil
}

// Open decrypts a sealed envelope with the local private key and returns the
// inner envelope it carried, with the original type and body restored.
func (e *Envelope) Open(key *rsa.PrivateKey) (*Envelope, error) {
	if !e.encrypted && e.Type != TypeEncrypted {
		return nil, ErrMalformedEnvelope
	}
	blocks := e.GetStringList("data", nil)
	if blocks == nil {
		return nil, ErrMalformedEnvelope
	}
	var plain []byte
	for _, block := range blocks {
		cipher, err := base64.StdEncoding.DecodeString(block)
		if err != nil {
			return nil, ErrMalformedEnvelope
		}
		chunk, err := rsa.DecryptPKCS1v15(rand.Reader, key, cipher)
		if err != nil {
			return nil, ErrCryptoFailure
		}
		plain = append(plain, chunk...)
	}
	return Deserialize(plain)
}
