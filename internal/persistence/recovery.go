package persistence

import (
	"InsuranceLedger/internal/core"
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

const replayPageSize = 1_000

// RecoveryResult describes what startup recovery did.
type RecoveryResult struct {
	SnapshotSequence int64 // -1 when recovery started from genesis
	Replayed         int
	NextSequence     int64
}

// EventSource pages committed envelopes out of the event log.
type EventSource interface {
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]*EventRow, error)
}

// Recover restores the newest snapshot from store (if any) and replays
// the event log after it. Every replayed envelope must reproduce its
// recorded state hash. events may be nil when there is no event log.
func Recover(
	ctx context.Context,
	c *core.DeterministicCore,
	store SnapshotStore,
	events EventSource,
	logger zerolog.Logger,
) (RecoveryResult, error) {
	result := RecoveryResult{SnapshotSequence: -1}

	if store != nil {
		snap, err := store.LoadLatestSnapshot(ctx)
		if err != nil {
			return result, fmt.Errorf("load snapshot: %w", err)
		}
		if snap != nil {
			if err := c.RestoreFromSnapshot(snap); err != nil {
				return result, err
			}
			result.SnapshotSequence = snap.Sequence
			if v, ok := store.(interface {
				MarkVerified(context.Context, int64) error
			}); ok {
				if err := v.MarkVerified(ctx, snap.Sequence); err != nil {
					logger.Warn().Err(err).Int64("sequence", snap.Sequence).Msg("mark snapshot verified failed")
				}
			}
		}
	}

	if events != nil {
		from := result.SnapshotSequence + 1
		for {
			rows, err := events.LoadEventsFrom(ctx, from, replayPageSize)
			if err != nil {
				return result, fmt.Errorf("load events from %d: %w", from, err)
			}
			for _, row := range rows {
				env, err := row.Envelope()
				if err != nil {
					return result, err
				}
				if err := c.Replay(ctx, env); err != nil {
					if errors.Is(err, core.ErrReplayUnsupported) {
						return result, fmt.Errorf("sequence %d has no snapshot to recover from: %w", env.Sequence, err)
					}
					return result, err
				}
				result.Replayed++
				from = env.Sequence + 1
			}
			if len(rows) < replayPageSize {
				break
			}
		}
	}

	result.NextSequence = c.GetSequence()
	logger.Info().
		Int64("snapshot_sequence", result.SnapshotSequence).
		Int("replayed", result.Replayed).
		Int64("next_sequence", result.NextSequence).
		Msg("recovery complete")
	return result, nil
}
