// go-nearnet - Nearby device connectivity network
// Copyright (c) 2026 The go-nearnet Authors. All rights reserved.

package nearnet

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/nearnet/go-nearnet/store"
	"golang.org/x/crypto/sha3"
)

const (
	dbMyselfNamespace  = "myself"
	dbMyselfPublicKey  = "publicKey"
	dbMyselfPrivateKey = "privateKey"
	dbMyselfDeviceID   = "deviceId"
	dbMyselfDeviceName = "deviceName"
)

// Identity is the local device's durable identity: a stable id, a display
// name and the RSA keypair remote peers pair against.
type Identity struct {
	DeviceID   string
	DeviceName string
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
}

// ensureIdentity loads the local identity from the store, generating and
// persisting a fresh one on the first run. A non-empty name overrides the
// stored display name.
func ensureIdentity(db store.Store, name string) (*Identity, error) {
	blob, err := db.Read(dbMyselfNamespace, dbMyselfPrivateKey)
	if errors.Is(err, store.ErrNotFound) {
		return createIdentity(db, name)
	}
	if err != nil {
		return nil, err
	}
	// Identity exists, decode the keypair and the metadata records
	key, err := parsePrivateKey(string(blob))
	if err != nil {
		return nil, fmt.Errorf("decode stored private key: %w", err)
	}
	id := &Identity{
		PrivateKey: key,
		PublicKey:  &key.PublicKey,
	}
	if blob, err = db.Read(dbMyselfNamespace, dbMyselfDeviceID); err != nil {
		return nil, fmt.Errorf("read stored device id: %w", err)
	}
	id.DeviceID = string(blob)

	if blob, err = db.Read(dbMyselfNamespace, dbMyselfDeviceName); err == nil {
		id.DeviceName = string(blob)
	}
	if name != "" && name != id.DeviceName {
		if err := db.Write(dbMyselfNamespace, dbMyselfDeviceName, []byte(name)); err != nil {
			return nil, err
		}
		id.DeviceName = name
	}
	return id, nil
}

// createIdentity mints a new device id and RSA keypair and persists both.
func createIdentity(db store.Store, name string) (*Identity, error) {
	if name == "" {
		name = "unnamed"
	}
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate identity keypair: %w", err)
	}
	id := &Identity{
		DeviceID:   uuid.NewString(),
		DeviceName: name,
		PrivateKey: key,
		PublicKey:  &key.PublicKey,
	}
	private, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("encode identity private key: %w", err)
	}
	records := map[string][]byte{
		dbMyselfPrivateKey: []byte(base64.StdEncoding.EncodeToString(private)),
		dbMyselfPublicKey:  []byte(encodePublicKey(id.PublicKey)),
		dbMyselfDeviceID:   []byte(id.DeviceID),
		dbMyselfDeviceName: []byte(id.DeviceName),
	}
	for key, value := range records {
		if err := db.Write(dbMyselfNamespace, key, value); err != nil {
			return nil, err
		}
	}
	return id, nil
}

// PublicKeyBase64 returns the base64 DER encoding of the public key, the form
// carried inside pair envelopes and trust records.
func (id *Identity) PublicKeyBase64() string {
	return encodePublicKey(id.PublicKey)
}

// Fingerprint returns a short hex fingerprint of the public key for logs and
// the control surface.
func (id *Identity) Fingerprint() string {
	return keyFingerprint(id.PublicKey)
}

// encodePublicKey serializes an RSA public key into base64 DER (PKIX) form.
func encodePublicKey(key *rsa.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		// An in-memory RSA public key always marshals
		panic(err)
	}
	return base64.StdEncoding.EncodeToString(der)
}

// parsePublicKey decodes a base64 DER (PKIX) RSA public key.
func parsePublicKey(encoded string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key base64: %w", err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return key, nil
}

// parsePrivateKey decodes a base64 DER (PKCS #8) RSA private key.
func parsePrivateKey(encoded string) (*rsa.PrivateKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode private key base64: %w", err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return key, nil
}

// keyFingerprint returns a short hex fingerprint of a public key.
func keyFingerprint(key *rsa.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "invalid"
	}
	hash := sha3.Sum256(der)
	return hex.EncodeToString(hash[:8])
}
