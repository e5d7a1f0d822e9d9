// Package ir defines the constrained value model used for entity state payloads.
//
// Payload fields are restricted to strings, integers, booleans, arrays and
// objects. Floats and null are rejected so that every payload has exactly one
// canonical byte form (RFC 8785), which is what checksums, conflict detection
// and audit entries are computed over.
package ir
