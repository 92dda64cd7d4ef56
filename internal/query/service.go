package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a token or pool has no projection row.
var ErrNotFound = errors.New("not found")

const maxPageSize = 500

// QueryService provides read-only access to projection tables. All
// responses carry as_of_sequence, the last core sequence the projections
// have applied.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetTokenFunds returns the projected funds of one token.
func (qs *QueryService) GetTokenFunds(ctx context.Context, token string) (*TokenFundsResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	r := &TokenFundsResponse{Token: token, AsOfSequence: asOfSeq}
	err = qs.db.QueryRowContext(ctx, `
		SELECT total_funds::TEXT, unattributed::TEXT, pool_count, last_sequence
		FROM projections.token_funds
		WHERE token = $1
	`, token).Scan(&r.TotalFunds, &r.Unattributed, &r.PoolCount, &r.LastSequence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("token %s: %w", token, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListTokenFunds returns every token with insurance funds.
func (qs *QueryService) ListTokenFunds(ctx context.Context) ([]TokenFundsResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT token, total_funds::TEXT, unattributed::TEXT, pool_count, last_sequence
		FROM projections.token_funds
		WHERE total_funds > 0
		ORDER BY token
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TokenFundsResponse
	for rows.Next() {
		r := TokenFundsResponse{AsOfSequence: asOfSeq}
		if err := rows.Scan(&r.Token, &r.TotalFunds, &r.Unattributed, &r.PoolCount, &r.LastSequence); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetPool returns the projected state of one pool.
func (qs *QueryService) GetPool(ctx context.Context, poolID string) (*PoolResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	p := &PoolResponse{PoolID: poolID, AsOfSequence: asOfSeq}
	var feeTier int64
	err = qs.db.QueryRowContext(ctx, `
		SELECT token0, token1, fee_tier, contributions0::TEXT, contributions1::TEXT,
		       liquidity::TEXT, last_sequence
		FROM projections.pool_contributions
		WHERE pool_id = $1
	`, poolID).Scan(&p.Token0, &p.Token1, &feeTier, &p.Contributions0, &p.Contributions1,
		&p.Liquidity, &p.LastSequence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pool %s: %w", poolID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	p.FeeTier = uint32(feeTier)
	return p, nil
}

// GetClaimHistory returns a provider's claims, newest first. Pass the
// smallest sequence of the previous page as beforeSequence to continue.
func (qs *QueryService) GetClaimHistory(
	ctx context.Context,
	provider string,
	poolID *string,
	limit int,
	beforeSequence *int64,
) ([]ClaimHistoryEntry, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT sequence, pool_id, provider, token0, token1, fees0::TEXT, fees1::TEXT, claimed_at
		FROM projections.claim_history
		WHERE provider = $1
	`
	args := []any{provider}
	argIdx := 2

	if poolID != nil {
		query += fmt.Sprintf(" AND pool_id = $%d", argIdx)
		args = append(args, *poolID)
		argIdx++
	}

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, pageSize(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []ClaimHistoryEntry
	for rows.Next() {
		h := ClaimHistoryEntry{AsOfSequence: asOfSeq}
		if err := rows.Scan(
			&h.Sequence, &h.PoolID, &h.Provider, &h.Token0, &h.Token1,
			&h.Fees0, &h.Fees1, &h.ClaimedAt,
		); err != nil {
			return nil, err
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

// GetJournalHistory returns journal entries touching an account path
// prefix (for example "pool:<id>:" or "external:<address>:"), newest first.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	accountPrefix string,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, token, amount::TEXT, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []any{accountPrefix + "%"}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, pageSize(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Token, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity and that every token's
// projected totalFunds equals the net of its journal entries.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Internal accounts are funds:* and pool:*; a journal entry changes
	// totalFunds by +amount when it debits one and -amount when it credits one.
	balanceRows, err := qs.db.QueryContext(ctx, `
		WITH journaled AS (
			SELECT token,
			       SUM(CASE WHEN debit_account LIKE 'external:%' THEN 0 ELSE amount END)
			     - SUM(CASE WHEN credit_account LIKE 'external:%' THEN 0 ELSE amount END) AS net
			FROM event_log.journal
			GROUP BY token
		)
		SELECT t.token, t.total_funds::TEXT, COALESCE(j.net, 0)::TEXT
		FROM projections.token_funds t
		LEFT JOIN journaled j ON j.token = t.token
		WHERE t.total_funds != COALESCE(j.net, 0)
		ORDER BY t.token
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedToken
		if err := balanceRows.Scan(&u.Token, &u.Projected, &u.Journaled); err != nil {
			return nil, err
		}
		report.UnbalancedTokens = append(report.UnbalancedTokens, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedTokens) == 0
	return report, nil
}

// --- helpers ---

// getWatermark returns -1 before the projections have applied anything.
func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE id = 1
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

func pageSize(limit int) int {
	if limit <= 0 || limit > maxPageSize {
		return maxPageSize
	}
	return limit
}
