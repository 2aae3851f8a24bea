package queue

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/kindred-app/resilsync/contracts"
)

// envelope is the durable representation of a queued operation. Everything
// sensitive lives inside Ciphertext; the remaining fields are identifiers
// and lineage that are safe to persist and log.
type envelope struct {
	OperationID      string    `msgpack:"operationId"`
	Priority         int       `msgpack:"priority"`
	ConflictStrategy string    `msgpack:"conflictStrategy"`
	CrisisMode       bool      `msgpack:"crisisMode"`
	MaxRetries       int       `msgpack:"maxRetries"`
	SubmittedAt      time.Time `msgpack:"submittedAt"`
	EnqueuedAt       time.Time `msgpack:"enqueuedAt"`
	Attempts         int       `msgpack:"attempts"`
	LastCategory     string    `msgpack:"lastCategory"`
	Encrypted        bool      `msgpack:"encrypted"`
	Ciphertext       []byte    `msgpack:"ciphertext"`
}

func encodeEnvelope(env *envelope) ([]byte, error) {
	data, err := msgpack.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", env.OperationID, err)
	}
	return data, nil
}

func decodeEnvelope(data []byte) (*envelope, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

func encodePayload(p contracts.SyncPayload) ([]byte, error) {
	data, err := msgpack.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload for entity %s: %w", p.EntityID, err)
	}
	return data, nil
}

func decodePayload(data []byte) (contracts.SyncPayload, error) {
	var p contracts.SyncPayload
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return contracts.SyncPayload{}, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}
