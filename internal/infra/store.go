package infra

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/actmon/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

// StoreOptions configures OpenStore.
type StoreOptions struct {
	// Key is the SQLCipher passphrase. Empty opens a plain SQLite database,
	// which keeps stores written by older, unencrypted collectors readable.
	Key []byte

	// BusyTimeout is how long a connection waits on a locked database.
	BusyTimeout time.Duration

	// ReadOnly skips schema creation; used by query commands.
	ReadOnly bool
}

// Store implements domain.SampleStore on a SQLCipher database with one table
// per record kind. Writes are serialised by writeMu; reads go straight to the
// pool and see WAL snapshots.
type Store struct {
	db      *sql.DB
	dbPath  string
	writeMu sync.Mutex
	logger  *zap.Logger
}

// OpenStore opens (or creates) the sample database. Any failure is wrapped in
// domain.ErrStoreUnavailable.
func OpenStore(dbPath string, opts StoreOptions, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("%w: failed to create data directory: %w", domain.ErrStoreUnavailable, err)
	}

	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=%d", dbPath, busy.Milliseconds())
	if len(opts.Key) > 0 {
		dsn += fmt.Sprintf("&_pragma_key=x'%s'&_pragma_cipher_page_size=4096", hex.EncodeToString(opts.Key))
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", domain.ErrStoreUnavailable, err)
	}

	// Ping forces the key to be checked against the file header.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to connect to database: %w", domain.ErrStoreUnavailable, err)
	}

	s := newStoreWithDB(db, dbPath, logger)
	if opts.ReadOnly {
		return s, nil
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		s.logger.Warn("failed to enable WAL journal, readers will wait on writers", zap.Error(err))
	}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to create tables: %w", domain.ErrStoreUnavailable, err)
	}
	return s, nil
}

func newStoreWithDB(db *sql.DB, dbPath string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, dbPath: dbPath, logger: logger}
}

// createTables creates the schema if it doesn't exist and adds columns that
// older layouts lack.
func (s *Store) createTables() error {
	var b strings.Builder
	for _, spec := range tableSpecs {
		b.WriteString(spec.createSQL())
		b.WriteString("\n")
	}
	b.WriteString(`CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`)
	if _, err := s.db.Exec(b.String()); err != nil {
		return err
	}

	for _, spec := range tableSpecs {
		if err := s.addMissingColumns(spec); err != nil {
			return fmt.Errorf("failed to migrate %s: %w", spec.table, err)
		}
	}

	_, err := s.db.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES ('schema_version', ?)`,
		fmt.Sprint(schemaVersion))
	return err
}

func (s *Store) addMissingColumns(spec tableSpec) error {
	rows, err := s.db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, spec.table))
	if err != nil {
		return err
	}
	existing := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &pk); err != nil {
			rows.Close()
			return err
		}
		existing[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, c := range spec.columns {
		if existing[c.name] {
			continue
		}
		if _, err := s.db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, spec.table, c.name, c.sqlType)); err != nil {
			return err
		}
		s.logger.Info("added column to existing table",
			zap.String("table", spec.table),
			zap.String("column", c.name))
	}
	return nil
}

// InsertBatch inserts records of one kind in a single transaction.
func (s *Store) InsertBatch(ctx context.Context, kind domain.Kind, records []domain.Sample) error {
	return s.InsertBatches(ctx, []domain.TableBatch{{Kind: kind, Records: records}})
}

// InsertBatches inserts all batches in one transaction. On any error the
// transaction is rolled back and the store is unchanged.
func (s *Store) InsertBatches(ctx context.Context, batches []domain.TableBatch) error {
	for _, b := range batches {
		if _, err := specFor(b.Kind); err != nil {
			return err
		}
		for _, r := range b.Records {
			if r.Kind() != b.Kind {
				return fmt.Errorf("record of kind %q in %q batch", r.Kind(), b.Kind)
			}
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for _, b := range batches {
		if len(b.Records) == 0 {
			continue
		}
		if err := insertRecords(ctx, tx, specsByKind[b.Kind], b.Records); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	committed = true
	return nil
}

func insertRecords(ctx context.Context, tx *sql.Tx, spec tableSpec, records []domain.Sample) error {
	stmt, err := tx.PrepareContext(ctx, spec.insertSQL())
	if err != nil {
		return fmt.Errorf("failed to prepare insert into %s: %w", spec.table, err)
	}
	defer stmt.Close()

	for _, r := range records {
		args := append([]any{toEpoch(r.Time())}, spec.values(r)...)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("failed to insert into %s: %w", spec.table, err)
		}
	}
	return nil
}

// Query returns records of kind within r matching all filters, ascending by
// timestamp. Ties keep insertion order. limit <= 0 means no limit.
func (s *Store) Query(ctx context.Context, kind domain.Kind, r domain.TimeRange, limit int, filters ...domain.Filter) ([]domain.Sample, error) {
	spec, err := specFor(kind)
	if err != nil {
		return nil, err
	}

	where, args, err := buildWhere(spec, r, filters)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY timestamp ASC, id ASC", spec.selectList(), spec.table, where)
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", spec.table, err)
	}
	defer rows.Close()

	var out []domain.Sample
	for rows.Next() {
		sample, err := spec.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", spec.table, err)
		}
		out = append(out, sample)
	}
	return out, rows.Err()
}

func buildWhere(spec tableSpec, r domain.TimeRange, filters []domain.Filter) (string, []any, error) {
	var (
		conds []string
		args  []any
	)
	if !r.Start.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, ceilEpoch(r.Start))
	}
	if !r.End.IsZero() {
		conds = append(conds, "timestamp <= ?")
		args = append(args, toEpoch(r.End))
	}

	for _, f := range filters {
		if !spec.hasColumn(f.Field) {
			return "", nil, fmt.Errorf("%w: %s has no column %q", domain.ErrInvalidFilter, spec.table, f.Field)
		}
		value := f.Value
		if t, ok := value.(time.Time); ok {
			switch f.Op {
			case domain.OpGte, domain.OpLt:
				value = ceilEpoch(t)
			default:
				value = toEpoch(t)
			}
		}
		switch f.Op {
		case domain.OpEq, domain.OpNe, domain.OpGt, domain.OpGte, domain.OpLt, domain.OpLte:
			conds = append(conds, fmt.Sprintf("%s %s ?", f.Field, f.Op))
			args = append(args, value)
		case domain.OpContains:
			conds = append(conds, fmt.Sprintf(`%s LIKE ? ESCAPE '\'`, f.Field))
			args = append(args, "%"+escapeLike(fmt.Sprint(value))+"%")
		default:
			return "", nil, fmt.Errorf("%w: operator %q", domain.ErrInvalidFilter, f.Op)
		}
	}

	if len(conds) == 0 {
		return "", args, nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// DeleteOlderThan removes every record with timestamp < cutoff in one
// transaction, then vacuums. A failed vacuum is logged; the deletion stands.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (map[domain.Kind]int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	deleted := make(map[domain.Kind]int64, len(tableSpecs))
	for _, spec := range tableSpecs {
		res, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE timestamp < ?", spec.table), ceilEpoch(cutoff))
		if err != nil {
			return nil, fmt.Errorf("failed to delete from %s: %w", spec.table, err)
		}
		n, _ := res.RowsAffected()
		deleted[spec.kind] = n
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit deletion: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		s.logger.Warn("vacuum after cleanup failed", zap.Error(err))
	}
	return deleted, nil
}

// Stats returns count and timestamp span of every table.
func (s *Store) Stats(ctx context.Context) ([]domain.TableStats, error) {
	out := make([]domain.TableStats, 0, len(tableSpecs))
	for _, spec := range tableSpecs {
		var (
			count          int64
			oldest, newest sql.NullFloat64
		)
		err := s.db.QueryRowContext(ctx,
			fmt.Sprintf("SELECT COUNT(*), MIN(timestamp), MAX(timestamp) FROM %s", spec.table),
		).Scan(&count, &oldest, &newest)
		if err != nil {
			return nil, fmt.Errorf("failed to summarise %s: %w", spec.table, err)
		}
		st := domain.TableStats{Kind: spec.kind, Table: spec.table, Count: count}
		if oldest.Valid {
			st.Oldest = fromEpoch(oldest.Float64)
		}
		if newest.Valid {
			st.Newest = fromEpoch(newest.Float64)
		}
		out = append(out, st)
	}
	return out, nil
}

// Aggregate runs q as a GROUP BY in the database.
func (s *Store) Aggregate(ctx context.Context, q domain.GroupQuery) ([]domain.Group, error) {
	spec, err := specFor(q.Kind)
	if err != nil {
		return nil, err
	}
	if len(q.Keys) == 0 {
		return nil, fmt.Errorf("%w: no group keys", domain.ErrInvalidFilter)
	}
	for _, col := range append(append([]string(nil), q.Keys...), q.Avg) {
		if col != "" && !spec.hasColumn(col) {
			return nil, fmt.Errorf("%w: %s has no column %q", domain.ErrInvalidFilter, spec.table, col)
		}
	}

	keys := make([]string, len(q.Keys))
	for i, k := range q.Keys {
		keys[i] = fmt.Sprintf("COALESCE(%s, '')", k)
	}
	avg, order := "0", "n DESC"
	if q.Avg != "" {
		avg, order = fmt.Sprintf("AVG(%s)", q.Avg), "a DESC"
	}
	query := fmt.Sprintf("SELECT %s, COUNT(*) AS n, %s AS a FROM %s GROUP BY %s ORDER BY %s, %s",
		strings.Join(keys, ", "), avg, spec.table,
		strings.Join(keys, ", "), order, strings.Join(keys, ", "))
	var args []any
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate %s: %w", spec.table, err)
	}
	defer rows.Close()

	var out []domain.Group
	for rows.Next() {
		g := domain.Group{Keys: make([]string, len(q.Keys))}
		var a sql.NullFloat64
		dest := make([]any, 0, len(q.Keys)+2)
		for i := range g.Keys {
			dest = append(dest, &g.Keys[i])
		}
		dest = append(dest, &g.Count, &a)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan %s group: %w", spec.table, err)
		}
		g.Avg = a.Float64
		out = append(out, g)
	}
	return out, rows.Err()
}

// SchemaVersion returns the layout version recorded in the meta table.
func (s *Store) SchemaVersion(ctx context.Context) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func encodePayload(p map[string]any) string {
	if len(p) == 0 {
		return ""
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprintf(`{"encode_error":%q}`, err.Error())
	}
	return string(data)
}

func decodePayload(s string) map[string]any {
	if s == "" {
		return nil
	}
	var p map[string]any
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return map[string]any{"raw": s}
	}
	return p
}

// Ensure Store implements domain.SampleStore.
var _ domain.SampleStore = (*Store)(nil)
