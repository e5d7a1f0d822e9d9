package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for checksums. The version suffix allows the algorithm
// to change without colliding with stored values.
const (
	DomainDevice = "crossdevice/device/v1"
	DomainState  = "crossdevice/state/v1"
	DomainAudit  = "crossdevice/audit/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Checksum computes the domain-separated checksum of a value's canonical form.
func Checksum(domain string, v any) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("checksum %s: %w", domain, err)
	}
	return hashWithDomain(domain, canonical), nil
}

// StateChecksum is the checksum of an entity state payload.
func StateChecksum(fields Object) (string, error) {
	if fields == nil {
		fields = Object{}
	}
	return Checksum(DomainState, fields)
}

// BytesChecksum hashes raw bytes under a domain. Used where the caller
// already holds a canonical or opaque encoding.
func BytesChecksum(domain string, data []byte) string {
	return hashWithDomain(domain, data)
}
