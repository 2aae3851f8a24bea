// Package conflict reconciles divergent versions of the same entity
// produced by different devices. Resolution is pure and deterministic:
// identical inputs and strategy always produce identical output, which is
// required for reproducible recovery after a process restart. Inputs are
// never mutated; the resolver returns fresh values.
package conflict

import (
	"errors"
	"fmt"
	"time"

	"github.com/kindred-app/resilsync/contracts"
)

// Strategy names the reconciliation policy for a version conflict.
type Strategy string

const (
	// StrategyClientWins keeps the local version unconditionally
	// (offline-first: the device the user touched last is authoritative).
	StrategyClientWins Strategy = "client_wins"

	// StrategyLatestTimestampWins compares LastModified; ties break toward
	// the local version for determinism.
	StrategyLatestTimestampWins Strategy = "latest_timestamp_wins"

	// StrategyMerge unions fields of both versions with remote precedence
	// on overlapping keys.
	StrategyMerge Strategy = "merge"

	// StrategyRejectOnConflict surfaces the conflict as an unresolved error.
	StrategyRejectOnConflict Strategy = "reject_on_conflict"

	// StrategyServerWins is an extension point: the remote version wins.
	// Referenced by server-authoritative deployments but not part of the
	// tested client contract.
	StrategyServerWins Strategy = "server_wins"
)

// DataIntegrity reports whether resolution preserved both sides' data.
type DataIntegrity string

const (
	IntegrityPreserved DataIntegrity = "preserved"
	IntegrityLost      DataIntegrity = "lost"
)

// ErrUnresolvedConflict is returned by reject_on_conflict and for unknown
// strategies.
var ErrUnresolvedConflict = errors.New("conflict: unresolved, manual reconciliation required")

// Record captures one resolution outcome for the audit trail.
type Record struct {
	EntityID      string                 `json:"entityId"`
	EntityType    string                 `json:"entityType"`
	LocalVersion  int64                  `json:"localVersion"`
	RemoteVersion int64                  `json:"remoteVersion"`
	Strategy      Strategy               `json:"strategy"`
	Resolved      bool                   `json:"resolved"`
	Winner        string                 `json:"winner"`
	DataIntegrity DataIntegrity          `json:"dataIntegrity"`
	Resolution    *contracts.SyncPayload `json:"-"`
	ResolvedAt    time.Time              `json:"resolvedAt"`
}

// Resolver applies a named strategy to a (local, remote) version pair.
type Resolver struct {
	defaultStrategy Strategy
}

// Option configures the resolver.
type Option func(*Resolver)

// WithDefaultStrategy sets the strategy used when a request names none.
func WithDefaultStrategy(s Strategy) Option {
	return func(r *Resolver) { r.defaultStrategy = s }
}

// NewResolver creates a resolver. The default strategy is client_wins,
// matching the engine's offline-first posture.
func NewResolver(options ...Option) *Resolver {
	r := &Resolver{defaultStrategy: StrategyClientWins}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// DefaultStrategy returns the strategy applied when none is named.
func (r *Resolver) DefaultStrategy() Strategy {
	return r.defaultStrategy
}

// Resolve reconciles local and remote under the given strategy. The empty
// strategy falls back to the resolver default. The returned record always
// describes the outcome, including rejections.
func (r *Resolver) Resolve(local, remote contracts.SyncPayload, strategy Strategy) (Record, error) {
	if strategy == "" {
		strategy = r.defaultStrategy
	}

	rec := Record{
		EntityID:      local.EntityID,
		EntityType:    local.EntityType,
		LocalVersion:  local.Version,
		RemoteVersion: remote.Version,
		Strategy:      strategy,
		ResolvedAt:    time.Now().UTC(),
	}

	switch strategy {
	case StrategyClientWins:
		resolution := local.Clone()
		resolution.Version = maxVersion(local.Version, remote.Version) + 1
		rec.Resolved = true
		rec.Winner = "local"
		rec.DataIntegrity = IntegrityLost
		rec.Resolution = &resolution
		return rec, nil

	case StrategyLatestTimestampWins:
		winner, name := local, "local"
		if remote.LastModified.After(local.LastModified) {
			winner, name = remote, "remote"
		}
		resolution := winner.Clone()
		resolution.Version = maxVersion(local.Version, remote.Version) + 1
		rec.Resolved = true
		rec.Winner = name
		rec.DataIntegrity = IntegrityLost
		rec.Resolution = &resolution
		return rec, nil

	case StrategyMerge:
		resolution := mergePayloads(local, remote)
		rec.Resolved = true
		rec.Winner = "merged"
		rec.DataIntegrity = IntegrityPreserved
		rec.Resolution = &resolution
		return rec, nil

	case StrategyServerWins:
		resolution := remote.Clone()
		resolution.Version = maxVersion(local.Version, remote.Version) + 1
		rec.Resolved = true
		rec.Winner = "remote"
		rec.DataIntegrity = IntegrityLost
		rec.Resolution = &resolution
		return rec, nil

	case StrategyRejectOnConflict:
		rec.DataIntegrity = IntegrityPreserved
		return rec, fmt.Errorf("entity %s: %w", local.EntityID, ErrUnresolvedConflict)

	default:
		rec.DataIntegrity = IntegrityPreserved
		return rec, fmt.Errorf("unknown strategy %q: %w", strategy, ErrUnresolvedConflict)
	}
}

// mergePayloads unions the fields of both versions. Remote values win on
// overlapping keys; the merged version supersedes both inputs.
func mergePayloads(local, remote contracts.SyncPayload) contracts.SyncPayload {
	merged := local.Clone()
	if merged.Fields == nil {
		merged.Fields = make(map[string]any, len(remote.Fields))
	}
	for k, v := range remote.Fields {
		merged.Fields[k] = v
	}

	merged.Version = maxVersion(local.Version, remote.Version) + 1
	if remote.LastModified.After(merged.LastModified) {
		merged.LastModified = remote.LastModified
	}
	// Content changed; the old checksums describe neither side anymore.
	merged.Checksum = ""
	return merged
}

func maxVersion(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
