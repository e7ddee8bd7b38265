package cache

import (
	"encoding/json"
	"time"
)

// Entry is a result stored by the local backend
type Entry struct {
	// Digest is the fingerprint digest the entry is keyed by
	Digest string `json:"digest"`

	// Source is the analyzed file, as written in the fingerprint
	Source string `json:"source"`

	// Analyzer is the version of the analyzer that produced the result
	Analyzer string `json:"analyzer"`

	// Timestamp when this entry was created
	Timestamp time.Time `json:"timestamp"`

	// Envelope is the encoded result
	Envelope json.RawMessage `json:"envelope"`
}
