package models

import "time"

// ConflictStrategy selects how a stale client change is reconciled against
// the authoritative state.
type ConflictStrategy string

const (
	StrategyServerWins ConflictStrategy = "server_wins"
	StrategyClientWins ConflictStrategy = "client_wins"
	StrategyNewestWins ConflictStrategy = "newest_wins"
	StrategyMerge      ConflictStrategy = "merge"
	StrategyManual     ConflictStrategy = "manual"
)

func (s ConflictStrategy) Valid() bool {
	switch s {
	case StrategyServerWins, StrategyClientWins, StrategyNewestWins, StrategyMerge, StrategyManual:
		return true
	}
	return false
}

// ConflictRecord captures a push-time detection that the client's declared
// base version is older than the authoritative version. Never silently
// dropped: it is either resolved inline by a strategy or returned to the
// client for manual resolution.
type ConflictRecord struct {
	LocalID         string         `json:"local_id"`
	Action          ChangeAction   `json:"action"`
	EntityType      string         `json:"entity_type"`
	EntityID        string         `json:"entity_id"`
	LocalPayload    map[string]any `json:"local_payload,omitempty"`
	ServerPayload   map[string]any `json:"server_payload,omitempty"`
	LocalVersion    int64          `json:"local_version"`
	ServerVersion   int64          `json:"server_version"`
	LocalTimestamp  time.Time      `json:"local_timestamp"`
	ServerTimestamp time.Time      `json:"server_timestamp"`
}

// ConflictChoice is a client's explicit decision for one manually deferred
// conflict.
type ConflictChoice string

const (
	ChoiceApplyLocal ConflictChoice = "apply_local"
	ChoiceKeepServer ConflictChoice = "keep_server"
	ChoiceApplyMerged ConflictChoice = "apply_merged"
)

// ConflictResolution is submitted through ResolveConflicts for a change that
// was previously returned as a manual conflict.
type ConflictResolution struct {
	LocalID       string         `json:"local_id"`
	Choice        ConflictChoice `json:"choice"`
	MergedPayload map[string]any `json:"merged_payload,omitempty"`
}
