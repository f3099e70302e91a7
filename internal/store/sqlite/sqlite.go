package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"tradeunify/internal/errs"
	"tradeunify/internal/model"
	"tradeunify/internal/store"
)

const (
	tradeTable   = "trade_records"
	stagingTable = "trade_records_staging"
	enrichedView = "trade_records_enriched"
	periodLayout = "2006-01-02"

	DefaultBatchSize = 100000
)

type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ReplaceTradeRecords writes records into a staging table, one transaction
// per batch, then swaps it in. On failure the previous table is untouched.
func (s *Store) ReplaceTradeRecords(ctx context.Context, records []model.TradeRecord, batchSize int) error {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+stagingTable); err != nil {
		return errs.Persistence("drop staging", err)
	}
	if _, err := s.db.ExecContext(ctx, tradeTableDDL(stagingTable)); err != nil {
		return errs.Persistence("create staging", err)
	}

	for start := 0; start < len(records); start += batchSize {
		end := start + batchSize
		if end > len(records) {
			end = len(records)
		}
		if err := s.insertBatch(ctx, records[start:end]); err != nil {
			_, _ = s.db.Exec(`DROP TABLE IF EXISTS ` + stagingTable)
			return errs.Persistence(fmt.Sprintf("insert rows %d-%d", start, end), err)
		}
	}

	if err := s.swap(ctx); err != nil {
		_, _ = s.db.Exec(`DROP TABLE IF EXISTS ` + stagingTable)
		return errs.Persistence("swap", err)
	}
	return nil
}

func (s *Store) insertBatch(ctx context.Context, batch []model.TradeRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO `+stagingTable+` (
			flow, period, entity, code, code2, code4, code6, code8,
			unit_code, unit_name, value, net_weight, quantity, provenance, source
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, r := range batch {
		_, err = stmt.ExecContext(
			ctx,
			string(r.Flow),
			r.Period.UTC().Format(periodLayout),
			r.Entity,
			r.Code,
			r.Code2(),
			r.Code4(),
			r.Code6(),
			r.Code8(),
			nullString(r.UnitCode),
			nullString(r.UnitName),
			nullable(r.Value),
			nullable(r.NetWeight),
			nullable(r.Quantity),
			string(r.Provenance),
			r.Source,
		)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) swap(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	statements := []string{
		`DROP VIEW IF EXISTS ` + enrichedView,
		`DROP TABLE IF EXISTS ` + tradeTable,
		`ALTER TABLE ` + stagingTable + ` RENAME TO ` + tradeTable,
	}
	statements = append(statements, tradeIndexes()...)
	statements = append(statements, enrichedViewDDL())
	for _, statement := range statements {
		if _, err := tx.ExecContext(ctx, statement); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// LoadTradeRecords returns every fact row in merge order.
func (s *Store) LoadTradeRecords(ctx context.Context) ([]model.TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, flow, period, entity, code, unit_code, unit_name,
			value, net_weight, quantity, provenance, source
		FROM `+tradeTable+`
		ORDER BY period, entity, code, flow, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TradeRecord
	for rows.Next() {
		var (
			r                        model.TradeRecord
			flow, period, provenance string
			unitCode, unitName       sql.NullString
			value, weight, quantity  sql.NullFloat64
		)
		if err := rows.Scan(&r.ID, &flow, &period, &r.Entity, &r.Code, &unitCode, &unitName,
			&value, &weight, &quantity, &provenance, &r.Source); err != nil {
			return nil, err
		}
		r.Flow = model.Flow(flow)
		if r.Period, err = time.Parse(periodLayout, period); err != nil {
			return nil, fmt.Errorf("row %d: %w", r.ID, err)
		}
		r.UnitCode = unitCode.String
		r.UnitName = unitName.String
		r.Value = fromNull(value)
		r.NetWeight = fromNull(weight)
		r.Quantity = fromNull(quantity)
		r.Provenance = model.Provenance(provenance)
		out = append(out, r)
	}
	return out, rows.Err()
}

// NullQuantities clears the quantity of the given rows in one transaction.
func (s *Store) NullQuantities(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Persistence("null quantities", err)
	}
	stmt, err := tx.PrepareContext(ctx, `UPDATE `+tradeTable+` SET quantity = NULL WHERE id = ?`)
	if err != nil {
		_ = tx.Rollback()
		return errs.Persistence("null quantities", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			_ = tx.Rollback()
			return errs.Persistence("null quantities", err)
		}
	}
	return errs.Persistence("null quantities", tx.Commit())
}

// ReplaceReferences deletes and recreates both reference tables and the
// enrichment view.
func (s *Store) ReplaceReferences(ctx context.Context, codes []model.CodeReferenceEntry, entities []model.EntityReference) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Persistence("replace references", err)
	}
	fail := func(op string, err error) error {
		_ = tx.Rollback()
		return errs.Persistence(op, err)
	}

	for _, statement := range []string{
		`DROP VIEW IF EXISTS ` + enrichedView,
		`DELETE FROM code_references`,
		`DELETE FROM entity_references`,
	} {
		if _, err := tx.ExecContext(ctx, statement); err != nil {
			return fail("clear references", err)
		}
	}

	codeStmt, err := tx.PrepareContext(ctx, `INSERT INTO code_references (level, code, name, translated) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fail("prepare code references", err)
	}
	defer codeStmt.Close()
	for _, e := range codes {
		if _, err := codeStmt.ExecContext(ctx, e.Level, e.Code, e.Name, e.Translated); err != nil {
			return fail("insert code reference", err)
		}
	}

	entityStmt, err := tx.PrepareContext(ctx, `INSERT INTO entity_references (code, name) VALUES (?, ?)`)
	if err != nil {
		return fail("prepare entity references", err)
	}
	defer entityStmt.Close()
	for _, e := range entities {
		if _, err := entityStmt.ExecContext(ctx, e.Code, e.Name); err != nil {
			return fail("insert entity reference", err)
		}
	}

	if _, err := tx.ExecContext(ctx, enrichedViewDDL()); err != nil {
		return fail("create enrichment view", err)
	}
	return errs.Persistence("commit references", tx.Commit())
}

// ListEnriched reads the enrichment view ordered by entity, code, flow and
// period.
func (s *Store) ListEnriched(ctx context.Context, filter store.EnrichedFilter) ([]store.EnrichedRow, error) {
	var (
		where []string
		args  []any
	)
	if filter.Entity != "" {
		where = append(where, "entity = ?")
		args = append(args, strings.ToUpper(filter.Entity))
	}
	if filter.Chapter != "" {
		where = append(where, "code2 = ?")
		args = append(args, filter.Chapter)
	}
	if filter.LatestOnly {
		where = append(where, "period_rank = 1")
	}

	query := `SELECT entity, entity_name, flow, period, code,
		code2_name, code4_name, code6_name, code8_name, code_name,
		unit_code, unit_name, value, net_weight, quantity, provenance, period_rank
		FROM ` + enrichedView
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY entity, code, flow, period"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.EnrichedRow
	for rows.Next() {
		var (
			r                               store.EnrichedRow
			flow, period, provenance        string
			entityName, n2, n4, n6, n8, n10 sql.NullString
			unitCode, unitName              sql.NullString
			value, weight, quantity         sql.NullFloat64
		)
		if err := rows.Scan(&r.Entity, &entityName, &flow, &period, &r.Code,
			&n2, &n4, &n6, &n8, &n10,
			&unitCode, &unitName, &value, &weight, &quantity, &provenance, &r.PeriodRank); err != nil {
			return nil, err
		}
		r.Flow = model.Flow(flow)
		if r.Period, err = time.Parse(periodLayout, period); err != nil {
			return nil, err
		}
		r.EntityName = entityName.String
		r.Code2Name, r.Code4Name, r.Code6Name, r.Code8Name, r.CodeName = n2.String, n4.String, n6.String, n8.String, n10.String
		r.UnitCode, r.UnitName = unitCode.String, unitName.String
		r.Value, r.NetWeight, r.Quantity = fromNull(value), fromNull(weight), fromNull(quantity)
		r.Provenance = model.Provenance(provenance)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) migrate() error {
	statements := []string{
		tradeTableDDL(tradeTable),
		`CREATE TABLE IF NOT EXISTS code_references (
			level INTEGER NOT NULL,
			code TEXT NOT NULL,
			name TEXT NOT NULL,
			translated INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (level, code)
		);`,
		`CREATE TABLE IF NOT EXISTS entity_references (
			code TEXT PRIMARY KEY,
			name TEXT NOT NULL
		);`,
	}
	statements = append(statements, tradeIndexes()...)
	statements = append(statements, enrichedViewDDL())

	for _, statement := range statements {
		if _, err := s.db.Exec(statement); err != nil {
			return err
		}
	}

	return nil
}

func tradeTableDDL(name string) string {
	return `CREATE TABLE IF NOT EXISTS ` + name + ` (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		flow TEXT NOT NULL,
		period TEXT NOT NULL,
		entity TEXT NOT NULL,
		code TEXT NOT NULL CHECK (length(code) = 10),
		code2 TEXT NOT NULL,
		code4 TEXT NOT NULL,
		code6 TEXT NOT NULL,
		code8 TEXT NOT NULL,
		unit_code TEXT,
		unit_name TEXT,
		value REAL,
		net_weight REAL,
		quantity REAL,
		provenance TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT ''
	);`
}

func tradeIndexes() []string {
	return []string{
		`CREATE INDEX IF NOT EXISTS idx_trade_records_series ON ` + tradeTable + ` (entity, code, flow, period);`,
		`CREATE INDEX IF NOT EXISTS idx_trade_records_code2 ON ` + tradeTable + ` (code2);`,
	}
}

func enrichedViewDDL() string {
	return `CREATE VIEW IF NOT EXISTS ` + enrichedView + ` AS
		SELECT
			t.id, t.flow, t.period, t.entity, e.name AS entity_name,
			t.code, t.code2, t.code4, t.code6, t.code8,
			c2.name AS code2_name, c4.name AS code4_name, c6.name AS code6_name,
			c8.name AS code8_name, c10.name AS code_name,
			t.unit_code, t.unit_name, t.value, t.net_weight, t.quantity, t.provenance,
			DENSE_RANK() OVER (PARTITION BY t.entity, t.code, t.flow ORDER BY t.period DESC) AS period_rank
		FROM ` + tradeTable + ` t
		LEFT JOIN code_references c2 ON c2.level = 2 AND c2.code = t.code2
		LEFT JOIN code_references c4 ON c4.level = 4 AND c4.code = t.code4
		LEFT JOIN code_references c6 ON c6.level = 6 AND c6.code = t.code6
		LEFT JOIN code_references c8 ON c8.level = 8 AND c8.code = t.code8
		LEFT JOIN code_references c10 ON c10.level = 10 AND c10.code = t.code
		LEFT JOIN entity_references e ON e.code = t.entity;`
}

func nullable(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func fromNull(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
