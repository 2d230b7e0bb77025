// Package store persists aggregated metrics to SQLite. The modernc.org
// driver is pure Go, so the binary builds without CGO.
package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fwmon/fwmon/internal/errors"
	"github.com/fwmon/fwmon/internal/logger"
)

const (
	// acquireTimeout bounds how long a caller waits for a pooled
	// connection before getting a retryable error back.
	acquireTimeout = 5 * time.Second

	// writeRetries is how many times a failed insert is attempted before
	// the record is dropped.
	writeRetries = 3

	writeBackoff = 100 * time.Millisecond
)

// Store is a pooled SQLite metrics store. All methods are safe for
// concurrent use.
type Store struct {
	db       *sql.DB
	log      logger.Logger
	poolSize int
}

// Open opens (or creates) the SQLite file at path with a connection pool of
// poolSize and runs pending migrations. The caller must Close() on shutdown.
func Open(path string, poolSize int, log logger.Logger) (*Store, error) {
	if poolSize < 1 {
		poolSize = 1
	}
	if log == nil {
		log = logger.Noop()
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrStore, fmt.Sprintf("failed to open database at %s", path))
	}
	db.SetMaxOpenConns(poolSize)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.WrapWithSuggestion(err, errors.ErrStore,
			fmt.Sprintf("database at %s is not usable", path),
			"Check that the directory exists and is writable")
	}

	s := &Store{db: db, log: log, poolSize: poolSize}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases all pooled connections.
func (s *Store) Close() error {
	return s.db.Close()
}

// PoolInUse reports connections currently checked out of the pool.
func (s *Store) PoolInUse() int { return s.db.Stats().InUse }

// PoolCapacity reports the configured pool size.
func (s *Store) PoolCapacity() int { return s.poolSize }

// acquire checks a connection out of the pool, waiting at most
// acquireTimeout. Exhaustion comes back as a retryable store error rather
// than an indefinite block.
func (s *Store) acquire(ctx context.Context) (*sql.Conn, error) {
	waitCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
	defer cancel()

	conn, err := s.db.Conn(waitCtx)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			return nil, errors.WrapWithSuggestion(err, errors.ErrStore,
				"database connection pool exhausted",
				"Increase database.pool_size or reduce the number of targets").WithRetryable()
		}
		return nil, errors.Wrap(err, errors.ErrStore, "failed to acquire database connection")
	}
	return conn, nil
}

type migration struct {
	version int
	name    string
	stmts   []string
}

// Migrations are additive only. Never edit an applied entry; append a new
// version instead.
var migrations = []migration{
	{
		version: 1,
		name:    "base schema",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS firewalls (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT UNIQUE NOT NULL,
				host TEXT NOT NULL,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS metrics (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				firewall_name TEXT NOT NULL,
				timestamp TIMESTAMP NOT NULL,
				cpu_user REAL,
				cpu_system REAL,
				cpu_idle REAL,
				mgmt_cpu REAL,
				data_plane_cpu REAL,
				data_plane_cpu_mean REAL,
				data_plane_cpu_max REAL,
				data_plane_cpu_p95 REAL,
				throughput_mbps_total REAL,
				pps_total REAL,
				pbuf_util_percent REAL,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				FOREIGN KEY (firewall_name) REFERENCES firewalls (name)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_metrics_firewall_timestamp ON metrics (firewall_name, timestamp)`,
			`CREATE INDEX IF NOT EXISTS idx_metrics_timestamp ON metrics (timestamp)`,
		},
	},
	{
		version: 2,
		name:    "session quality columns",
		stmts: []string{
			`ALTER TABLE metrics ADD COLUMN session_sample_count INTEGER`,
			`ALTER TABLE metrics ADD COLUMN session_success_rate REAL`,
			`ALTER TABLE metrics ADD COLUMN session_sampling_period REAL`,
		},
	},
	{
		version: 3,
		name:    "session spread columns and device identity",
		stmts: []string{
			`ALTER TABLE metrics ADD COLUMN throughput_mbps_max REAL`,
			`ALTER TABLE metrics ADD COLUMN throughput_mbps_min REAL`,
			`ALTER TABLE metrics ADD COLUMN throughput_mbps_p95 REAL`,
			`ALTER TABLE metrics ADD COLUMN pps_max REAL`,
			`ALTER TABLE metrics ADD COLUMN pps_min REAL`,
			`ALTER TABLE metrics ADD COLUMN pps_p95 REAL`,
			`ALTER TABLE firewalls ADD COLUMN model TEXT`,
			`ALTER TABLE firewalls ADD COLUMN serial TEXT`,
			`ALTER TABLE firewalls ADD COLUMN sw_version TEXT`,
		},
	},
}

// Migrate applies any migrations newer than the recorded schema version.
// Running it against an up-to-date database is a no-op.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return errors.Wrap(err, errors.ErrStore, "failed to create schema_version table")
	}

	var current int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return errors.Wrap(err, errors.ErrStore, "failed to read schema version")
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
		s.log.Info("applied migration v%d: %s", m.version, m.name)
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrStore, fmt.Sprintf("failed to begin migration v%d", m.version))
	}
	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return errors.Wrap(err, errors.ErrStore, fmt.Sprintf("migration v%d (%s) failed", m.version, m.name))
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version, name) VALUES (?, ?)`, m.version, m.name); err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, errors.ErrStore, fmt.Sprintf("failed to record migration v%d", m.version))
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrStore, fmt.Sprintf("failed to commit migration v%d", m.version))
	}
	return nil
}

const insertMetrics = `INSERT INTO metrics (
	firewall_name, timestamp,
	cpu_user, cpu_system, cpu_idle, mgmt_cpu,
	data_plane_cpu, data_plane_cpu_mean, data_plane_cpu_max, data_plane_cpu_p95,
	throughput_mbps_total, throughput_mbps_max, throughput_mbps_min, throughput_mbps_p95,
	pps_total, pps_max, pps_min, pps_p95,
	pbuf_util_percent,
	session_sample_count, session_success_rate, session_sampling_period
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Write inserts one record, retrying transient failures. After the final
// retry the record is dropped and the error returned; the dropped key is
// logged so the gap is traceable.
func (s *Store) Write(ctx context.Context, rec Record) error {
	args := []any{
		rec.Target, rec.Timestamp.UTC(),
		nullable(rec.CPUUser), nullable(rec.CPUSystem), nullable(rec.CPUIdle), nullable(rec.MgmtCPU),
		nullable(rec.DataPlaneCPU), nullable(rec.DataPlaneCPUMean), nullable(rec.DataPlaneCPUMax), nullable(rec.DataPlaneCPUP95),
		nullable(rec.ThroughputMbps), nullable(rec.ThroughputMax), nullable(rec.ThroughputMin), nullable(rec.ThroughputP95),
		nullable(rec.PPS), nullable(rec.PPSMax), nullable(rec.PPSMin), nullable(rec.PPSP95),
		nullable(rec.PacketBufferPct),
		rec.SampleCount, rec.SuccessRate, rec.SamplingPeriodSeconds,
	}

	var lastErr error
	for attempt := 0; attempt < writeRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), errors.ErrStore, "write cancelled")
			case <-time.After(writeBackoff * time.Duration(attempt)):
			}
		}
		lastErr = s.execWrite(ctx, args)
		if lastErr == nil {
			return nil
		}
		s.log.Warn("metrics write attempt %d/%d failed for %s: %v", attempt+1, writeRetries, rec.Target, lastErr)
	}

	s.log.Error("dropping record target=%s timestamp=%s after %d attempts", rec.Target, rec.Timestamp.UTC().Format(time.RFC3339), writeRetries)
	return errors.Wrap(lastErr, errors.ErrStore, fmt.Sprintf("failed to write record for %s", rec.Target))
}

func (s *Store) execWrite(ctx context.Context, args []any) error {
	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.ExecContext(ctx, insertMetrics, args...)
	return err
}

// WriteIdentity upserts the device identity row for a target. Calling it
// again with the same values is a harmless no-op update.
func (s *Store) WriteIdentity(ctx context.Context, id TargetIdentity) error {
	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.ExecContext(ctx, `INSERT INTO firewalls (name, host, model, serial, sw_version, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET
			host = excluded.host,
			model = excluded.model,
			serial = excluded.serial,
			sw_version = excluded.sw_version,
			updated_at = CURRENT_TIMESTAMP`,
		id.Name, id.Host, id.Model, id.Serial, id.SWVersion)
	if err != nil {
		return errors.Wrap(err, errors.ErrStore, fmt.Sprintf("failed to upsert identity for %s", id.Name))
	}
	return nil
}

// Identities returns every registered target identity, ordered by name.
func (s *Store) Identities(ctx context.Context) ([]TargetIdentity, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, `SELECT name, host,
		COALESCE(model, ''), COALESCE(serial, ''), COALESCE(sw_version, ''), updated_at
		FROM firewalls ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrStore, "failed to query identities")
	}
	defer rows.Close()

	var out []TargetIdentity
	for rows.Next() {
		var id TargetIdentity
		if err := rows.Scan(&id.Name, &id.Host, &id.Model, &id.Serial, &id.SWVersion, &id.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrStore, "failed to scan identity row")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

const selectMetrics = `SELECT firewall_name, timestamp,
	cpu_user, cpu_system, cpu_idle, mgmt_cpu,
	data_plane_cpu, data_plane_cpu_mean, data_plane_cpu_max, data_plane_cpu_p95,
	throughput_mbps_total, throughput_mbps_max, throughput_mbps_min, throughput_mbps_p95,
	pps_total, pps_max, pps_min, pps_p95,
	pbuf_util_percent,
	COALESCE(session_sample_count, 0), COALESCE(session_success_rate, 0), COALESCE(session_sampling_period, 0)
	FROM metrics`

// Query returns records for one target in [start, end), ascending by
// timestamp. limit 0 means no limit.
func (s *Store) Query(ctx context.Context, target string, start, end time.Time, limit int) ([]Record, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	q := selectMetrics + ` WHERE firewall_name = ? AND timestamp >= ? AND timestamp < ? ORDER BY timestamp ASC`
	args := []any{target, start.UTC(), end.UTC()}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrStore, fmt.Sprintf("failed to query metrics for %s", target))
	}
	defer rows.Close()

	return scanRecords(rows)
}

// BatchQuery returns records for several targets with one underlying SELECT
// (an IN-list), grouped per target in Go. The per-target limit is applied
// client-side so the number of database round trips stays constant no
// matter how many targets are asked for.
func (s *Store) BatchQuery(ctx context.Context, targets []string, start, end time.Time, limit int) (map[string][]Record, error) {
	out := make(map[string][]Record, len(targets))
	if len(targets) == 0 {
		return out, nil
	}

	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	q := selectMetrics + ` WHERE firewall_name IN (` + placeholders(len(targets)) + `)
		AND timestamp >= ? AND timestamp < ? ORDER BY firewall_name, timestamp ASC`
	args := make([]any, 0, len(targets)+2)
	for _, t := range targets {
		args = append(args, t)
	}
	args = append(args, start.UTC(), end.UTC())

	rows, err := conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrStore, "failed to batch query metrics")
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if limit > 0 && len(out[rec.Target]) >= limit {
			continue
		}
		out[rec.Target] = append(out[rec.Target], rec)
	}
	return out, nil
}

// LatestPerTarget returns the newest record for each target that has one,
// in a single query.
func (s *Store) LatestPerTarget(ctx context.Context, targets []string) (map[string]Record, error) {
	out := make(map[string]Record, len(targets))
	if len(targets) == 0 {
		return out, nil
	}

	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	q := selectMetrics + ` WHERE id IN (
		SELECT MAX(id) FROM metrics WHERE firewall_name IN (` + placeholders(len(targets)) + `) GROUP BY firewall_name
	)`
	args := make([]any, 0, len(targets))
	for _, t := range targets {
		args = append(args, t)
	}

	rows, err := conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrStore, "failed to query latest records")
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		out[rec.Target] = rec
	}
	return out, nil
}

// Prune deletes records older than the cutoff and reports how many went.
// Safe to run while writers are active.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	res, err := conn.ExecContext(ctx, `DELETE FROM metrics WHERE timestamp < ?`, olderThan.UTC())
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrStore, "failed to prune metrics")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrStore, "failed to count pruned metrics")
	}
	if n > 0 {
		s.log.Info("pruned %d metric rows older than %s", n, olderThan.UTC().Format(time.RFC3339))
	}
	return n, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var (
			rec Record
			f   [17]sql.NullFloat64
		)
		err := rows.Scan(&rec.Target, &rec.Timestamp,
			&f[0], &f[1], &f[2], &f[3],
			&f[4], &f[5], &f[6], &f[7],
			&f[8], &f[9], &f[10], &f[11],
			&f[12], &f[13], &f[14], &f[15],
			&f[16],
			&rec.SampleCount, &rec.SuccessRate, &rec.SamplingPeriodSeconds)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrStore, "failed to scan metrics row")
		}
		rec.CPUUser = fromNull(f[0])
		rec.CPUSystem = fromNull(f[1])
		rec.CPUIdle = fromNull(f[2])
		rec.MgmtCPU = fromNull(f[3])
		rec.DataPlaneCPU = fromNull(f[4])
		rec.DataPlaneCPUMean = fromNull(f[5])
		rec.DataPlaneCPUMax = fromNull(f[6])
		rec.DataPlaneCPUP95 = fromNull(f[7])
		rec.ThroughputMbps = fromNull(f[8])
		rec.ThroughputMax = fromNull(f[9])
		rec.ThroughputMin = fromNull(f[10])
		rec.ThroughputP95 = fromNull(f[11])
		rec.PPS = fromNull(f[12])
		rec.PPSMax = fromNull(f[13])
		rec.PPSMin = fromNull(f[14])
		rec.PPSP95 = fromNull(f[15])
		rec.PacketBufferPct = fromNull(f[16])
		out = append(out, rec)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullable(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func fromNull(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
