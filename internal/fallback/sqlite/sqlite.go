package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"tradeunify/internal/fallback"
)

// Store holds the global dataset in a comtrade_records table. The collector
// writes it; the merge reads it through fallback.Source.
type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Upsert(ctx context.Context, rows []fallback.Row) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO comtrade_records (
			reporter_code, cmd_code, flow_code, period, qty_unit_code,
			primary_value, net_wgt, qty, ingested_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(reporter_code, cmd_code, flow_code, period, qty_unit_code)
		DO UPDATE SET
			primary_value = excluded.primary_value,
			net_wgt = excluded.net_wgt,
			qty = excluded.qty,
			ingested_at = excluded.ingested_at
	`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, row := range rows {
		_, err = stmt.ExecContext(
			ctx,
			row.ReporterCode,
			row.CmdCode,
			strings.ToUpper(row.FlowCode),
			row.Period.UTC().Format("2006-01"),
			row.QtyUnitCode,
			nullable(row.Value),
			nullable(row.NetWeight),
			nullable(row.Quantity),
			now,
		)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// Query returns rows ordered by reporter, period, commodity and flow.
func (s *Store) Query(ctx context.Context, q fallback.Query) ([]fallback.Row, error) {
	var (
		where []string
		args  []any
	)
	if len(q.ExcludeReporterCodes) > 0 {
		marks := make([]string, len(q.ExcludeReporterCodes))
		for i, code := range q.ExcludeReporterCodes {
			marks[i] = "?"
			args = append(args, code)
		}
		where = append(where, "reporter_code NOT IN ("+strings.Join(marks, ", ")+")")
	}
	if q.StartYear > 0 {
		where = append(where, "period >= ?")
		args = append(args, fmt.Sprintf("%04d-01", q.StartYear))
	}

	query := `SELECT reporter_code, cmd_code, flow_code, period, qty_unit_code,
		primary_value, net_wgt, qty FROM comtrade_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY reporter_code, period, cmd_code, flow_code, qty_unit_code"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []fallback.Row
	for rows.Next() {
		var (
			row                fallback.Row
			period             string
			value, weight, qty sql.NullFloat64
		)
		if err := rows.Scan(&row.ReporterCode, &row.CmdCode, &row.FlowCode, &period, &row.QtyUnitCode, &value, &weight, &qty); err != nil {
			return nil, err
		}
		t, err := fallback.ParsePeriod(period)
		if err != nil {
			return nil, err
		}
		row.Period = t
		row.Value = fromNull(value)
		row.NetWeight = fromNull(weight)
		row.Quantity = fromNull(qty)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM comtrade_records`).Scan(&n)
	return n, err
}

func (s *Store) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS comtrade_records (
			reporter_code INTEGER NOT NULL,
			cmd_code TEXT NOT NULL,
			flow_code TEXT NOT NULL,
			period TEXT NOT NULL,
			qty_unit_code INTEGER NOT NULL DEFAULT -1,
			primary_value REAL,
			net_wgt REAL,
			qty REAL,
			ingested_at TEXT NOT NULL,
			PRIMARY KEY (reporter_code, cmd_code, flow_code, period, qty_unit_code)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_comtrade_records_period ON comtrade_records (period);`,
	}

	for _, statement := range statements {
		if _, err := s.db.Exec(statement); err != nil {
			return err
		}
	}

	return nil
}

func nullable(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func fromNull(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
