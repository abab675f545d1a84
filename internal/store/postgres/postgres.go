// ============================================================================
// fork-scorer Postgres Store
// ============================================================================
//
// Package: internal/store/postgres
// File: postgres.go
// Purpose: pgx implementation of the store contracts
//
// Layout:
//   - primary:     pgxpool connected here (subjects, fork status table,
//                  agent results, weight analytics); logical forks read it
//   - source:      subject tables only, never held open by the pool; the
//                  copy-on-write clone source
//   - template:    subject tables only; the template copy source
//   - maintenance: short-lived pgx.Conn used for CREATE / DROP DATABASE,
//                  which cannot run inside the database they target
//
// Isolation:
//   copy-on-write  CREATE DATABASE <fork> TEMPLATE <source> STRATEGY FILE_COPY
//   template copy  CREATE DATABASE <fork> TEMPLATE <template>
//
//   Postgres refuses to clone a database that has other sessions, which is
//   why the pool never connects to source or template. SyncIsolationSources
//   copies the primary subject rows into both and closes its connections.
//
// Locations are database names.
//
// ============================================================================

package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ChuLiYu/fork-scorer/internal/store"
	"github.com/ChuLiYu/fork-scorer/pkg/types"
)

// DefaultMaintenanceDatabase hosts CREATE/DROP DATABASE statements.
const DefaultMaintenanceDatabase = "postgres"

// SubjectSchema holds the tables every fork reads.
const SubjectSchema = `
CREATE TABLE IF NOT EXISTS resumes (
	id   TEXT PRIMARY KEY,
	data JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	title       TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	data        JSONB NOT NULL DEFAULT '{}'
);
`

// Schema is applied to the primary database by EnsureSchema.
const Schema = SubjectSchema + `

CREATE TABLE IF NOT EXISTS scoring_forks (
	fork_id            TEXT PRIMARY KEY,
	strategy_type      TEXT NOT NULL,
	subject_a_id       TEXT NOT NULL,
	subject_b_id       TEXT NOT NULL,
	status             TEXT NOT NULL,
	isolation_mode     TEXT NOT NULL DEFAULT '',
	data_location      TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL,
	started_at         TIMESTAMPTZ,
	finished_at        TIMESTAMPTZ,
	processing_time_ms BIGINT NOT NULL DEFAULT 0,
	error_message      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS scoring_forks_finished_at_idx ON scoring_forks (finished_at);

CREATE TABLE IF NOT EXISTS agent_results (
	fork_id       TEXT PRIMARY KEY,
	strategy_type TEXT NOT NULL,
	subject_a_id  TEXT NOT NULL,
	subject_b_id  TEXT NOT NULL,
	result        JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS weight_adjustments (
	id              TEXT PRIMARY KEY,
	subject_a_id    TEXT NOT NULL,
	subject_b_id    TEXT NOT NULL,
	weights         JSONB NOT NULL,
	source          TEXT NOT NULL,
	industry        TEXT NOT NULL DEFAULT '',
	role            TEXT NOT NULL DEFAULT '',
	seniority       TEXT NOT NULL DEFAULT '',
	confidence      DOUBLE PRECISION NOT NULL,
	composite_score DOUBLE PRECISION NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
);
`

// Config holds the connection settings.
type Config struct {
	DatabaseURL         string // DSN; its database is replaced by PrimaryDatabase when set
	PrimaryDatabase     string
	SourceDatabase      string // copy-on-write clone source, default <primary>_source
	TemplateDatabase    string
	MaintenanceDatabase string
	MaxConns            int32
}

// Store implements every store contract on top of Postgres.
type Store struct {
	pool        *pgxpool.Pool
	base        *pgx.ConnConfig
	primary     string
	source      string
	template    string
	maintenance string
	log         *slog.Logger
}

var (
	_ store.Provisioner    = (*Store)(nil)
	_ store.Connector      = (*Store)(nil)
	_ store.ForkRecorder   = (*Store)(nil)
	_ store.ResultStore    = (*Store)(nil)
	_ store.AnalyticsStore = (*Store)(nil)
	_ store.MetadataSource = (*Store)(nil)
)

// New opens the pool and checks connectivity.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if cfg.PrimaryDatabase != "" {
		poolCfg.ConnConfig.Database = cfg.PrimaryDatabase
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	maintenance := cfg.MaintenanceDatabase
	if maintenance == "" {
		maintenance = DefaultMaintenanceDatabase
	}

	primary := poolCfg.ConnConfig.Database
	source := cfg.SourceDatabase
	if source == "" {
		source = primary + "_source"
	}

	return &Store{
		pool:        pool,
		base:        poolCfg.ConnConfig.Copy(),
		primary:     primary,
		source:      source,
		template:    cfg.TemplateDatabase,
		maintenance: maintenance,
		log:         log,
	}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// EnsureSchema creates the tables used by the scorer.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Seed upserts fixture subjects into the primary database.
func (s *Store) Seed(ctx context.Context, fx *store.Fixtures) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, r := range fx.Resumes {
			if _, err := tx.Exec(ctx, `
				INSERT INTO resumes (id, data) VALUES ($1, $2)
				ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`,
				r.ID, nonNil(r.Data)); err != nil {
				return fmt.Errorf("failed to seed resume %s: %w", r.ID, err)
			}
		}
		for _, j := range fx.Jobs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO jobs (id, title, description, data) VALUES ($1, $2, $3, $4)
				ON CONFLICT (id) DO UPDATE SET
					title = EXCLUDED.title,
					description = EXCLUDED.description,
					data = EXCLUDED.data`,
				j.ID, j.Title, j.Description, nonNil(j.Data)); err != nil {
				return fmt.Errorf("failed to seed job %s: %w", j.ID, err)
			}
		}
		return nil
	})
}

// ============================================================================
// Isolation sources
// ============================================================================

type resumeRow struct {
	id   string
	data []byte
}

type jobRow struct {
	id, title, description string
	data                   []byte
}

// SyncIsolationSources creates the source and template databases when
// missing and replaces their subject rows with the primary's. Call it after
// subjects change; forks cloned earlier keep the old rows.
func (s *Store) SyncIsolationSources(ctx context.Context) error {
	resumes, jobs, err := s.readSubjects(ctx)
	if err != nil {
		return err
	}
	for _, db := range s.isolationSources() {
		if err := s.refreshSubjects(ctx, db, resumes, jobs); err != nil {
			return fmt.Errorf("failed to sync %s: %w", db, err)
		}
		s.log.Info("Isolation source synced", "database", db, "resumes", len(resumes), "jobs", len(jobs))
	}
	return nil
}

func (s *Store) isolationSources() []string {
	out := []string{s.source}
	if s.template != "" && s.template != s.source {
		out = append(out, s.template)
	}
	return out
}

func (s *Store) readSubjects(ctx context.Context) ([]resumeRow, []jobRow, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, data FROM resumes ORDER BY id`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read resumes: %w", err)
	}
	resumes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (resumeRow, error) {
		var r resumeRow
		err := row.Scan(&r.id, &r.data)
		return r, err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read resumes: %w", err)
	}

	rows, err = s.pool.Query(ctx, `SELECT id, title, description, data FROM jobs ORDER BY id`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read jobs: %w", err)
	}
	jobs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (jobRow, error) {
		var j jobRow
		err := row.Scan(&j.id, &j.title, &j.description, &j.data)
		return j, err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read jobs: %w", err)
	}
	return resumes, jobs, nil
}

func (s *Store) refreshSubjects(ctx context.Context, db string, resumes []resumeRow, jobs []jobRow) error {
	if err := s.checkIsolationSource(db); err != nil {
		return err
	}
	if err := s.ensureDatabase(ctx, db); err != nil {
		return err
	}

	cc := s.base.Copy()
	cc.Database = db
	conn, err := pgx.ConnectConfig(ctx, cc)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	// the source must be session-free before anything is cloned from it
	defer conn.Close(context.WithoutCancel(ctx))

	return pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, SubjectSchema); err != nil {
			return fmt.Errorf("failed to apply subject schema: %w", err)
		}
		if _, err := tx.Exec(ctx, `TRUNCATE resumes, jobs`); err != nil {
			return fmt.Errorf("failed to truncate subjects: %w", err)
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"resumes"}, []string{"id", "data"},
			pgx.CopyFromSlice(len(resumes), func(i int) ([]any, error) {
				return []any{resumes[i].id, resumes[i].data}, nil
			})); err != nil {
			return fmt.Errorf("failed to copy resumes: %w", err)
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"jobs"}, []string{"id", "title", "description", "data"},
			pgx.CopyFromSlice(len(jobs), func(i int) ([]any, error) {
				return []any{jobs[i].id, jobs[i].title, jobs[i].description, jobs[i].data}, nil
			})); err != nil {
			return fmt.Errorf("failed to copy jobs: %w", err)
		}
		return nil
	})
}

// checkIsolationSource refuses to overwrite databases the store does not own.
func (s *Store) checkIsolationSource(db string) error {
	switch db {
	case "", s.primary, s.maintenance, "template0", "template1":
		return fmt.Errorf("postgres store: %q cannot be used as an isolation source", db)
	}
	return nil
}

func (s *Store) ensureDatabase(ctx context.Context, db string) error {
	return s.withMaintenance(ctx, func(conn *pgx.Conn) error {
		var exists bool
		if err := conn.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, db).Scan(&exists); err != nil {
			return fmt.Errorf("failed to look up database %s: %w", db, err)
		}
		if exists {
			return nil
		}
		if _, err := conn.Exec(ctx, "CREATE DATABASE "+ident(db)); err != nil {
			return fmt.Errorf("failed to create database %s: %w", db, err)
		}
		s.log.Info("Isolation source created", "database", db)
		return nil
	})
}

// ============================================================================
// Provisioner
// ============================================================================

func (s *Store) CloneCopyOnWrite(ctx context.Context, name string) (string, error) {
	stmt := fmt.Sprintf("CREATE DATABASE %s TEMPLATE %s STRATEGY FILE_COPY", ident(name), ident(s.source))
	if err := s.maintenanceExec(ctx, stmt); err != nil {
		return "", fmt.Errorf("copy-on-write clone of %s: %w", s.source, err)
	}
	s.log.Debug("Fork database cloned", "database", name, "source", s.source)
	return name, nil
}

func (s *Store) CopyFromTemplate(ctx context.Context, name string) (string, error) {
	if s.template == "" {
		return "", fmt.Errorf("template copy: no template database configured: %w", store.ErrUnsupported)
	}
	stmt := fmt.Sprintf("CREATE DATABASE %s TEMPLATE %s", ident(name), ident(s.template))
	if err := s.maintenanceExec(ctx, stmt); err != nil {
		return "", fmt.Errorf("template copy of %s: %w", s.template, err)
	}
	s.log.Debug("Fork database copied", "database", name, "template", s.template)
	return name, nil
}

func (s *Store) PrimaryLocation() string { return s.primary }

func (s *Store) Drop(ctx context.Context, location string) error {
	if s.isShared(location) {
		return fmt.Errorf("postgres store: refusing to drop %s", location)
	}
	if err := s.maintenanceExec(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", ident(location))); err != nil {
		return fmt.Errorf("failed to drop %s: %w", location, err)
	}
	s.log.Debug("Fork database dropped", "database", location)
	return nil
}

// isShared reports whether location is a database the store keeps for itself.
func (s *Store) isShared(location string) bool {
	switch location {
	case s.primary, s.source, s.template, s.maintenance:
		return true
	}
	return false
}

func (s *Store) maintenanceExec(ctx context.Context, stmt string) error {
	return s.withMaintenance(ctx, func(conn *pgx.Conn) error {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return classify(err)
		}
		return nil
	})
}

func (s *Store) withMaintenance(ctx context.Context, fn func(*pgx.Conn) error) error {
	cc := s.base.Copy()
	cc.Database = s.maintenance
	conn, err := pgx.ConnectConfig(ctx, cc)
	if err != nil {
		return fmt.Errorf("failed to connect to maintenance database: %w", err)
	}
	defer conn.Close(context.WithoutCancel(ctx))
	return fn(conn)
}

// classify marks errors that mean the primitive is not available on this server.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "0A000", // feature_not_supported
			"42601", // syntax_error: STRATEGY before Postgres 15
			"42704": // undefined_object
			return fmt.Errorf("%w: %s", store.ErrUnsupported, pgErr.Message)
		}
	}
	return err
}

// ============================================================================
// Connector
// ============================================================================

func (s *Store) Connect(ctx context.Context, location string) (store.Conn, error) {
	cc := s.base.Copy()
	cc.Database = location
	c, err := pgx.ConnectConfig(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", location, err)
	}
	return &conn{conn: c}, nil
}

type conn struct {
	conn *pgx.Conn
}

func (c *conn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *conn) LoadSubject(ctx context.Context, kind types.SubjectKind, id string) (*types.Subject, error) {
	var data map[string]any
	switch kind {
	case types.SubjectResume:
		err := c.conn.QueryRow(ctx, `SELECT data FROM resumes WHERE id = $1`, id).Scan(&data)
		if err != nil {
			return nil, notFound(err, kind, id)
		}
	case types.SubjectJob:
		var title, description string
		err := c.conn.QueryRow(ctx, `SELECT title, description, data FROM jobs WHERE id = $1`, id).
			Scan(&title, &description, &data)
		if err != nil {
			return nil, notFound(err, kind, id)
		}
		if data == nil {
			data = make(map[string]any, 2)
		}
		data["title"] = title
		data["description"] = description
	default:
		return nil, fmt.Errorf("postgres store: unknown subject kind %q", kind)
	}
	return &types.Subject{ID: id, Kind: kind, Data: data}, nil
}

func (c *conn) Close(ctx context.Context) error {
	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close(ctx)
}

func notFound(err error, kind types.SubjectKind, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", store.ErrSubjectNotFound, kind, id)
	}
	return fmt.Errorf("failed to load %s %s: %w", kind, id, err)
}

// ============================================================================
// ForkRecorder / ResultStore / AnalyticsStore / MetadataSource
// ============================================================================

func (s *Store) SaveFork(ctx context.Context, f types.Fork) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scoring_forks (
			fork_id, strategy_type, subject_a_id, subject_b_id, status,
			isolation_mode, data_location, created_at, started_at, finished_at,
			processing_time_ms, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (fork_id) DO UPDATE SET
			status = EXCLUDED.status,
			isolation_mode = EXCLUDED.isolation_mode,
			data_location = EXCLUDED.data_location,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at,
			processing_time_ms = EXCLUDED.processing_time_ms,
			error_message = EXCLUDED.error_message`,
		string(f.ID), string(f.StrategyType), f.SubjectAID, f.SubjectBID, string(f.Status),
		string(f.Isolation), f.DataLocation, f.CreatedAt, f.StartedAt, f.FinishedAt,
		f.ProcessingTimeMs, f.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to save fork %s: %w", f.ID, err)
	}
	return nil
}

func (s *Store) DeleteForksBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM scoring_forks WHERE finished_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired forks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) SaveResult(ctx context.Context, f types.Fork, result map[string]any) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_results (fork_id, strategy_type, subject_a_id, subject_b_id, result)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (fork_id) DO NOTHING`,
		string(f.ID), string(f.StrategyType), f.SubjectAID, f.SubjectBID, nonNil(result))
	if err != nil {
		return fmt.Errorf("failed to save result for fork %s: %w", f.ID, err)
	}
	return nil
}

func (s *Store) SaveWeightAdjustment(ctx context.Context, rec types.WeightAdjustment) error {
	weights := make(map[string]float64, len(rec.Weights))
	for k, v := range rec.Weights {
		weights[string(k)] = v
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO weight_adjustments (
			id, subject_a_id, subject_b_id, weights, source, industry, role,
			seniority, confidence, composite_score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.SubjectAID, rec.SubjectBID, weights, string(rec.Source), rec.Industry, rec.Role,
		rec.Seniority, rec.Confidence, rec.CompositeScore, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save weight adjustment: %w", err)
	}
	return nil
}

func (s *Store) JobMetadata(ctx context.Context, jobID string) (types.JobMetadata, error) {
	var meta types.JobMetadata
	err := s.pool.QueryRow(ctx, `SELECT title, description FROM jobs WHERE id = $1`, jobID).
		Scan(&meta.Title, &meta.Description)
	if err != nil {
		return types.JobMetadata{}, notFound(err, types.SubjectJob, jobID)
	}
	return meta, nil
}

// CountResults returns the number of stored agent results.
func (s *Store) CountResults(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM agent_results`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count results: %w", err)
	}
	return n, nil
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
