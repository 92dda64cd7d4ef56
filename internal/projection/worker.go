package projection

import (
	"InsuranceLedger/internal/core"
	"InsuranceLedger/internal/event"
	"InsuranceLedger/internal/ledger"
	"InsuranceLedger/internal/observability"
	"InsuranceLedger/internal/state"
	"InsuranceLedger/internal/types"
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ProjectionWorker keeps the read-side tables in step with the core.
// The projection channel drops on overflow, so every row is written as an
// absolute value guarded by last_sequence rather than as a delta. A missed
// output is repaired by the next one touching the same token or pool, and
// RebuildProjections resets everything from engine state.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
		lastSeq:   -1,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				// Projections are eventually consistent and can be rebuilt.
				pw.logger.Warn().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("projection update failed")
				continue
			}
			pw.lastSeq = output.Envelope.Sequence
		}
	}
}

// LastSequence returns the last sequence applied by this worker.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	start := time.Now()
	seq := output.Envelope.Sequence

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, token := range sortedTokens(output.Tokens) {
		if err := upsertTokenFunds(ctx, tx, token, output.Tokens[token], seq); err != nil {
			return fmt.Errorf("token funds projection: %w", err)
		}
	}
	for _, pool := range output.Pools {
		if err := upsertPool(ctx, tx, pool, seq); err != nil {
			return fmt.Errorf("pool projection: %w", err)
		}
	}
	for _, e := range output.Emitted {
		claimed, ok := e.(event.InsuranceFeesClaimed)
		if !ok {
			continue
		}
		if err := insertClaim(ctx, tx, claimed, seq, output.Envelope.Timestamp); err != nil {
			return fmt.Errorf("claim history: %w", err)
		}
	}

	if err := setWatermark(ctx, tx, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues("output").Observe(time.Since(start).Seconds())
	}
	return nil
}

func upsertTokenFunds(ctx context.Context, ex execer, token types.Token, entry ledger.TokenEntry, seq int64) error {
	attributed := sdkmath.ZeroInt()
	for _, c := range entry.PoolContributions {
		attributed = attributed.Add(c)
	}

	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.token_funds (token, total_funds, unattributed, pool_count, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (token) DO UPDATE SET
			total_funds = EXCLUDED.total_funds,
			unattributed = EXCLUDED.unattributed,
			pool_count = EXCLUDED.pool_count,
			last_sequence = EXCLUDED.last_sequence,
			updated_at = NOW()
		WHERE projections.token_funds.last_sequence < EXCLUDED.last_sequence
	`, string(token), entry.TotalFunds.String(), entry.TotalFunds.Sub(attributed).String(),
		len(entry.PoolContributions), seq)
	return err
}

func upsertPool(ctx context.Context, ex execer, pool state.PoolView, seq int64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.pool_contributions
			(pool_id, token0, token1, fee_tier, contributions0, contributions1, liquidity, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (pool_id) DO UPDATE SET
			contributions0 = EXCLUDED.contributions0,
			contributions1 = EXCLUDED.contributions1,
			liquidity = EXCLUDED.liquidity,
			last_sequence = EXCLUDED.last_sequence,
			updated_at = NOW()
		WHERE projections.pool_contributions.last_sequence < EXCLUDED.last_sequence
	`, string(pool.ID), string(pool.Token0), string(pool.Token1), int64(pool.FeeTier),
		pool.TotalContributions[0].String(), pool.TotalContributions[1].String(),
		pool.Liquidity.String(), seq)
	return err
}

func insertClaim(ctx context.Context, ex execer, c event.InsuranceFeesClaimed, seq int64, at time.Time) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.claim_history
			(sequence, pool_id, provider, token0, token1, fees0, fees1, claimed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (sequence, pool_id, provider) DO NOTHING
	`, seq, string(c.Pool), string(c.Provider), string(c.Token0), string(c.Token1),
		c.Fees0.String(), c.Fees1.String(), at.UTC())
	return err
}

func setWatermark(ctx context.Context, ex execer, seq int64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.watermark (id, last_sequence)
		VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET last_sequence = GREATEST(projections.watermark.last_sequence, EXCLUDED.last_sequence)
	`, seq)
	return err
}

// RebuildProjections replaces the token and pool tables with the state in
// snap and drops claim history recorded after it.
func RebuildProjections(ctx context.Context, db *sql.DB, snap *core.SnapshotState, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	truncateStatements := []string{
		`TRUNCATE projections.token_funds`,
		`TRUNCATE projections.pool_contributions`,
	}
	for _, stmt := range truncateStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM projections.claim_history WHERE sequence > $1`, snap.Sequence,
	); err != nil {
		return fmt.Errorf("trim claim history: %w", err)
	}

	entries := make(map[types.Token]ledger.TokenEntry, len(snap.Ledger))
	for token, entry := range snap.Ledger {
		entries[token] = *entry
	}
	for _, token := range sortedTokens(entries) {
		if err := upsertTokenFunds(ctx, tx, token, entries[token], snap.Sequence); err != nil {
			return fmt.Errorf("rebuild token funds: %w", err)
		}
	}
	for _, pool := range snap.Pools {
		if err := upsertPool(ctx, tx, pool, snap.Sequence); err != nil {
			return fmt.Errorf("rebuild pools: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (id, last_sequence) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET last_sequence = EXCLUDED.last_sequence
	`, snap.Sequence); err != nil {
		return fmt.Errorf("reset watermark: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Info().
		Int64("sequence", snap.Sequence).
		Int("tokens", len(entries)).
		Int("pools", len(snap.Pools)).
		Msg("projection rebuild complete")
	return nil
}

func sortedTokens(entries map[types.Token]ledger.TokenEntry) []types.Token {
	tokens := make([]types.Token, 0, len(entries))
	for token := range entries {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	return tokens
}
