// Package audit persists resolved trade intents for crash-restart
// hinting. Chain state remains authoritative per spec section 6 ("no
// persisted state between runs is assumed"); this store exists only so a
// restarted process can log which intents a prior run left UNKNOWN before
// re-deriving everything from on-chain balances — it is never consulted
// to gate a trading decision. Grounded on the teacher's indexer/store.go
// `?`-placeholder rebinding wrapper over pgx's postgres driver.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kyzlo-labs/scalper-core/internal/types"
)

// Store wraps a postgres connection pool, rebinding `?` placeholders to
// `$N` the same way the teacher's indexer store does, so call sites can
// write portable-looking SQL.
type Store struct {
	db *sql.DB
}

// Open connects, pings, and runs the audit schema migration.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote && i+1 < len(query) && query[i+1] == '\'' {
				out.WriteByte(query[i+1])
				i++
				continue
			}
			inSingleQuote = !inSingleQuote
			continue
		}
		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}
		out.WriteByte(ch)
	}
	return out.String()
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.exec(ctx, `
		CREATE TABLE IF NOT EXISTS audit_records (
			intent_id TEXT PRIMARY KEY,
			pair TEXT NOT NULL,
			side TEXT NOT NULL,
			outcome TEXT NOT NULL,
			failure_kind TEXT NOT NULL,
			signature TEXT NOT NULL,
			resolved_at BIGINT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate audit schema: %w", err)
	}
	_, err = s.exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_audit_records_pair_time ON audit_records(pair, resolved_at DESC)
	`)
	if err != nil {
		return fmt.Errorf("migrate audit schema: %w", err)
	}
	return nil
}

// Record upserts one intent's outcome. Called by the coordinator after
// every definitive or reconciled TxOutcome, and with UNKNOWN when an
// intent is preserved; a later resolution overwrites that row.
func (s *Store) Record(ctx context.Context, rec types.AuditRecord) error {
	_, err := s.exec(ctx, `
		INSERT INTO audit_records (intent_id, pair, side, outcome, failure_kind, signature, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (intent_id) DO UPDATE SET
			outcome = excluded.outcome,
			failure_kind = excluded.failure_kind,
			signature = excluded.signature,
			resolved_at = excluded.resolved_at
	`,
		rec.IntentID,
		rec.Pair,
		string(rec.Side),
		string(rec.Outcome),
		string(rec.FailureKind),
		rec.Signature,
		rec.ResolvedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record audit entry: %w", err)
	}
	return nil
}

// UnresolvedSince returns every audit record for pair with outcome
// UNKNOWN recorded since cutoff — a restart hint only, never a trading
// input. Callers log this, they do not act on it: chain state decides.
func (s *Store) UnresolvedSince(ctx context.Context, pair string, cutoff time.Time) ([]types.AuditRecord, error) {
	rows, err := s.query(ctx, `
		SELECT intent_id, pair, side, outcome, failure_kind, signature, resolved_at
		FROM audit_records
		WHERE pair = ? AND outcome = ? AND resolved_at >= ?
		ORDER BY resolved_at DESC
	`, pair, string(types.OutcomeUnknown), cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("query unresolved audit entries: %w", err)
	}
	defer rows.Close()

	var out []types.AuditRecord
	for rows.Next() {
		var rec types.AuditRecord
		var side, outcome, failureKind string
		var resolvedAtUnix int64
		if err := rows.Scan(&rec.IntentID, &rec.Pair, &side, &outcome, &failureKind, &rec.Signature, &resolvedAtUnix); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		rec.Side = types.Side(side)
		rec.Outcome = types.TxOutcome(outcome)
		rec.FailureKind = types.FailureKind(failureKind)
		rec.ResolvedAt = time.Unix(resolvedAtUnix, 0)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
