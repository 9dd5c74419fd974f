package services

import (
	"fmt"

	"github.com/driftline/syncd/internal/adapter"
	"github.com/driftline/syncd/internal/models"
)

// ResolutionOutcome is the decision produced by Resolve.
type ResolutionOutcome string

const (
	OutcomeApplyLocal  ResolutionOutcome = "apply_local"
	OutcomeKeepServer  ResolutionOutcome = "keep_server"
	OutcomeApplyMerged ResolutionOutcome = "apply_merged"
	OutcomeManual      ResolutionOutcome = "manual"
)

// Resolve maps (strategy, local change, authoritative state) to an outcome.
// It is a pure function: no I/O, no clock reads, identical inputs always
// produce identical outputs.
//
// newest_wins compares the client's local timestamp against the server
// timestamp. On an exact tie the server state stands; that rule is
// independent of arrival order, so two racing devices resolve identically
// no matter which push lands first.
func Resolve(strategy models.ConflictStrategy, local models.PendingChange, server adapter.VersionInfo) (ResolutionOutcome, error) {
	switch strategy {
	case models.StrategyServerWins:
		return OutcomeKeepServer, nil

	case models.StrategyClientWins:
		return OutcomeApplyLocal, nil

	case models.StrategyNewestWins:
		if local.LocalTimestamp.After(server.Timestamp) {
			return OutcomeApplyLocal, nil
		}
		return OutcomeKeepServer, nil

	case models.StrategyMerge:
		if local.MergedPayload == nil {
			return "", fmt.Errorf("%w: merge strategy requires merged_payload for %s", ErrValidation, local.LocalID)
		}
		return OutcomeApplyMerged, nil

	case models.StrategyManual:
		return OutcomeManual, nil

	default:
		return "", fmt.Errorf("%w: unknown conflict strategy %q", ErrValidation, strategy)
	}
}
