package storage

import (
	"encoding/json"
	"time"
)

const (
	KindChat   = "chat"
	KindDetect = "detect"
)

// Interaction is one served /chat or /detect request with its full result.
type Interaction struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	ClientAddr string          `json:"client_addr"`
	Summary    string          `json:"summary"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

// StoredInteraction is the row form. Payload is ciphertext when KeyID is set.
type StoredInteraction struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	ClientAddr string    `json:"client_addr"`
	Summary    string    `json:"summary"`
	Payload    string    `json:"payload"`
	KeyID      *string   `json:"key_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
