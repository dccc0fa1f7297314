package store

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// TenantKeyPrefix marks every issued tenant key so they're recognizable in
// logs and UIs without revealing the secret.
const TenantKeyPrefix = "nv_"

// GenerateTenantKey creates a new raw tenant key: a uniformly random secret
// of at least 128 bits (spec.md §3), base32-encoded so it's safe in HTTP
// headers, prefixed for recognizability. Returns the raw key (shown to the
// caller exactly once) and its display prefix (first 10 chars after the
// marker, stored for admin listings).
func GenerateTenantKey() (raw string, displayPrefix string, err error) {
	buf := make([]byte, 20) // 160 bits
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generating tenant key: %w", err)
	}
	secret := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)
	raw = TenantKeyPrefix + secret
	if len(secret) >= 10 {
		displayPrefix = TenantKeyPrefix + secret[:10]
	} else {
		displayPrefix = raw
	}
	return raw, displayPrefix, nil
}

// HashTenantKey computes a keyed BLAKE2b-256 hash of a raw tenant key using
// pepper as the key, so that a database leak alone does not let an attacker
// forge or replay tenant keys. blake2b is used here (rather than the
// teacher's plain sha256 for API keys) because novarelay's tenant keys are
// issued at much higher volume and a keyed hash removes the server pepper
// as a single point shared with anything that can read raw secrets out of
// the database dump alone.
func HashTenantKey(pepper, rawKey string) []byte {
	h, err := blake2b.New256([]byte(padKey(pepper)))
	if err != nil {
		// blake2b.New256 only fails for oversized keys; padKey caps length.
		panic(fmt.Sprintf("store: blake2b keyed hash init: %v", err))
	}
	h.Write([]byte(rawKey))
	return h.Sum(nil)
}

// padKey truncates pepper to blake2b's 64-byte max key size; a shorter
// pepper is used as-is.
func padKey(pepper string) string {
	const maxKeyLen = 64
	b := []byte(pepper)
	if len(b) > maxKeyLen {
		return string(b[:maxKeyLen])
	}
	return pepper
}
