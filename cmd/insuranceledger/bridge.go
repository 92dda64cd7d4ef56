package main

import (
	"InsuranceLedger/internal/core"
	"InsuranceLedger/internal/observability"
	"InsuranceLedger/internal/persistence"
	"context"
	"time"

	"github.com/rs/zerolog"
)

// bridgeCoreOutputs fans committed outputs out of the core's persist
// channel. The persistence worker gets every output and applies
// backpressure; the publisher gets what fits and the rest is counted as
// dropped, since the event log remains the source of truth. Without a
// database, snapshots carried by flash loan outputs go to the local
// store. The outputs close when in is closed.
func bridgeCoreOutputs(
	in <-chan core.CoreOutput,
	persistOut chan<- core.CoreOutput,
	publishOut chan<- core.CoreOutput,
	localSnapshots persistence.SnapshotStore,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	if persistOut != nil {
		defer close(persistOut)
	}
	if publishOut != nil {
		defer close(publishOut)
	}

	for output := range in {
		if persistOut != nil {
			persistOut <- output
		} else if output.Snapshot != nil && localSnapshots != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := localSnapshots.SaveSnapshot(ctx, output.Snapshot); err != nil {
				logger.Error().Err(err).Int64("sequence", output.Snapshot.Sequence).Msg("save flash loan snapshot failed")
			}
			cancel()
		}

		if publishOut != nil {
			select {
			case publishOut <- output:
			default:
				if metrics != nil {
					metrics.PublishDrops.Inc()
				}
			}
		}

		if metrics != nil {
			metrics.SetChannelMetrics("persist", len(in), cap(in))
		}
	}
}

// snapshotter writes periodic snapshots of the core.
type snapshotter struct {
	runner   *core.Runner
	store    persistence.SnapshotStore
	interval int64
	metrics  *observability.Metrics
	logger   zerolog.Logger
	lastSeq  int64
}

// run checks every tick whether interval events have committed since the
// last snapshot.
func (s *snapshotter) run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.maybeSnapshot(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("periodic snapshot failed")
			}
		}
	}
}

func (s *snapshotter) maybeSnapshot(ctx context.Context) error {
	if s.metrics != nil {
		s.metrics.SetChannelMetrics("runner", s.runner.Len(), s.runner.Cap())
	}
	var snap *core.SnapshotState
	err := s.runner.Do(ctx, func(c *core.DeterministicCore) error {
		if c.GetSequence()-1-s.lastSeq < s.interval {
			return nil
		}
		snap = c.CreateSnapshotState()
		return nil
	})
	if err != nil || snap == nil {
		return err
	}
	if err := s.save(ctx, snap); err != nil {
		return err
	}
	s.logger.Info().Int64("sequence", snap.Sequence).Msg("periodic snapshot saved")
	return nil
}

func (s *snapshotter) save(ctx context.Context, snap *core.SnapshotState) error {
	start := time.Now()
	if err := s.store.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	s.lastSeq = snap.Sequence
	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	return nil
}
