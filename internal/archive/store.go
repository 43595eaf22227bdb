// Package archive persists published opportunities and finished bridge
// executions to a local SQLite database for post-hoc analysis and the ops
// surface. The archive is strictly off the hot path: a write failure is
// logged and dropped, never propagated into detection or execution.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/arbiterlabs/chainarb/internal/bridge"
	"github.com/arbiterlabs/chainarb/internal/detect"
	"github.com/arbiterlabs/chainarb/internal/market"
)

const schema = `
CREATE TABLE IF NOT EXISTS opportunities (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	pair_key TEXT NOT NULL,
	token_in TEXT NOT NULL,
	token_out TEXT NOT NULL,
	buy_chain TEXT NOT NULL,
	buy_dex TEXT NOT NULL,
	sell_chain TEXT NOT NULL,
	sell_dex TEXT NOT NULL,
	bridge_required INTEGER NOT NULL,
	source_price REAL NOT NULL,
	target_price REAL NOT NULL,
	percentage_diff REAL NOT NULL,
	estimated_profit REAL NOT NULL,
	bridge_cost REAL NOT NULL,
	net_profit REAL NOT NULL,
	confidence REAL NOT NULL,
	trade_size_usd REAL,
	whale_triggered INTEGER NOT NULL DEFAULT 0,
	whale_sentiment TEXT,
	ml_direction TEXT,
	ml_confidence REAL,
	pending_intent_hash TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_opportunities_created_at ON opportunities(created_at);
CREATE INDEX IF NOT EXISTS idx_opportunities_pair_key ON opportunities(pair_key);

CREATE TABLE IF NOT EXISTS bridge_outcomes (
	bridge_id TEXT PRIMARY KEY,
	opportunity_id TEXT NOT NULL,
	source_chain TEXT NOT NULL,
	dest_chain TEXT NOT NULL,
	bridge_protocol TEXT,
	bridge_token TEXT,
	status TEXT NOT NULL,
	expected_profit REAL NOT NULL,
	error_message TEXT,
	initiated_at INTEGER NOT NULL,
	finalized_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bridge_outcomes_finalized_at ON bridge_outcomes(finalized_at);
`

// Store wraps the archive database.
type Store struct {
	conn *sql.DB
	path string
	log  zerolog.Logger
}

// Open creates or opens the archive database at dbPath, running the schema
// migration. WAL mode keeps readers off the writers' backs.
func Open(dbPath string, log zerolog.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping archive database: %w", err)
	}
	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate archive schema: %w", err)
	}

	return &Store{
		conn: conn,
		path: dbPath,
		log:  log.With().Str("service", "archive").Logger(),
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Path returns the database file path, used by the backup job.
func (s *Store) Path() string {
	return s.path
}

// BackupTo writes a consistent point-in-time copy of the database to
// destPath. VACUUM INTO snapshots safely under WAL; the target must not
// already exist.
func (s *Store) BackupTo(ctx context.Context, destPath string) error {
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup target %s already exists", destPath)
	}
	if _, err := s.conn.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("vacuum into %s: %w", destPath, err)
	}
	return nil
}

// SaveOpportunity records one published opportunity.
func (s *Store) SaveOpportunity(ctx context.Context, o detect.Opportunity) error {
	query := `
		INSERT OR REPLACE INTO opportunities
		(id, type, pair_key, token_in, token_out, buy_chain, buy_dex,
		 sell_chain, sell_dex, bridge_required, source_price, target_price,
		 percentage_diff, estimated_profit, bridge_cost, net_profit,
		 confidence, trade_size_usd, whale_triggered, whale_sentiment,
		 ml_direction, ml_confidence, pending_intent_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.conn.ExecContext(ctx, query,
		o.ID,
		o.Type,
		o.PairKey,
		o.TokenIn,
		o.TokenOut,
		o.BuyChain,
		o.BuyDex,
		o.SellChain,
		o.SellDex,
		boolInt(o.BridgeRequired),
		o.SourcePrice,
		o.TargetPrice,
		o.PercentageDiff,
		o.EstimatedProfit,
		o.BridgeCost,
		o.NetProfit,
		o.Confidence,
		o.TradeSizeUSD,
		boolInt(o.WhaleTriggered),
		nullString(o.WhaleSentiment),
		nullString(o.MLDirection),
		o.MLConfidence,
		nullString(o.PendingIntentHash),
		o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("archive opportunity %s: %w", o.ID, err)
	}
	return nil
}

// SaveBridgeOutcome records a bridge execution that reached a terminal state.
func (s *Store) SaveBridgeOutcome(ctx context.Context, st bridge.RecoveryState) error {
	query := `
		INSERT OR REPLACE INTO bridge_outcomes
		(bridge_id, opportunity_id, source_chain, dest_chain, bridge_protocol,
		 bridge_token, status, expected_profit, error_message, initiated_at, finalized_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.conn.ExecContext(ctx, query,
		st.BridgeID,
		st.OpportunityID,
		st.SourceChain,
		st.DestChain,
		nullString(st.BridgeProtocol),
		nullString(st.BridgeToken),
		string(st.Status),
		st.ExpectedProfit,
		nullString(st.ErrorMessage),
		st.InitiatedAt,
		market.NowMillis(),
	)
	if err != nil {
		return fmt.Errorf("archive bridge outcome %s: %w", st.BridgeID, err)
	}
	return nil
}

// OpportunityRow is a stored opportunity as returned to the ops surface.
type OpportunityRow struct {
	ID             string  `json:"id"`
	PairKey        string  `json:"pairKey"`
	BuyChain       string  `json:"buyChain"`
	SellChain      string  `json:"sellChain"`
	NetProfit      float64 `json:"netProfit"`
	PercentageDiff float64 `json:"percentageDiff"`
	Confidence     float64 `json:"confidence"`
	WhaleTriggered bool    `json:"whaleTriggered"`
	CreatedAt      int64   `json:"createdAt"`
}

// RecentOpportunities returns the newest stored opportunities, newest first.
func (s *Store) RecentOpportunities(ctx context.Context, limit int) ([]OpportunityRow, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, pair_key, buy_chain, sell_chain, net_profit,
		       percentage_diff, confidence, whale_triggered, created_at
		FROM opportunities
		ORDER BY created_at DESC
		LIMIT ?
	`
	rows, err := s.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent opportunities: %w", err)
	}
	defer rows.Close()

	var out []OpportunityRow
	for rows.Next() {
		var r OpportunityRow
		var whale int
		if err := rows.Scan(&r.ID, &r.PairKey, &r.BuyChain, &r.SellChain,
			&r.NetProfit, &r.PercentageDiff, &r.Confidence, &whale, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan opportunity row: %w", err)
		}
		r.WhaleTriggered = whale != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Summary aggregates the archive for the ops surface.
type Summary struct {
	Opportunities  int64   `json:"opportunities"`
	BridgeOutcomes int64   `json:"bridgeOutcomes"`
	TotalNetProfit float64 `json:"totalNetProfit"`
}

// Summarize returns archive-wide counts.
func (s *Store) Summarize(ctx context.Context) (Summary, error) {
	var sum Summary
	row := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(net_profit), 0) FROM opportunities")
	if err := row.Scan(&sum.Opportunities, &sum.TotalNetProfit); err != nil {
		return Summary{}, fmt.Errorf("summarize opportunities: %w", err)
	}
	row = s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM bridge_outcomes")
	if err := row.Scan(&sum.BridgeOutcomes); err != nil {
		return Summary{}, fmt.Errorf("summarize bridge outcomes: %w", err)
	}
	return sum, nil
}

// PurgeBefore deletes rows older than the cutoff (epoch millis) and returns
// the number removed. Run by the maintenance scheduler.
func (s *Store) PurgeBefore(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.conn.ExecContext(ctx,
		"DELETE FROM opportunities WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge opportunities: %w", err)
	}
	removed, _ := res.RowsAffected()

	res, err = s.conn.ExecContext(ctx,
		"DELETE FROM bridge_outcomes WHERE finalized_at < ?", cutoff)
	if err != nil {
		return removed, fmt.Errorf("purge bridge outcomes: %w", err)
	}
	n, _ := res.RowsAffected()
	removed += n

	if removed > 0 {
		s.log.Info().Int64("rows", removed).Msg("Purged archive rows")
	}
	return removed, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
