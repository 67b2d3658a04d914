package history

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresRecorder stores runs in PostgreSQL.
type PostgresRecorder struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewPostgresRecorder connects to dsn and creates the history tables if
// they don't exist.
func NewPostgresRecorder(ctx context.Context, dsn string) (*PostgresRecorder, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	// A CLI run needs very few connections.
	poolCfg.MaxConns = 2
	poolCfg.MinConns = 0
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	r := &PostgresRecorder{pool: pool, log: slog.With("component", "history")}
	r.log.Info("connected to PostgreSQL history")
	return r, nil
}

// Record inserts the run and its builds in one transaction.
func (p *PostgresRecorder) Record(ctx context.Context, run *Run) error {
	skipped, err := json.Marshal(run.Skipped)
	if err != nil {
		return fmt.Errorf("marshal skipped files: %w", err)
	}
	configs := run.Configs
	if configs == nil {
		configs = []string{}
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO remote_runs (run_id, change_list_id, status, message, configs,
			skipped, patch_bytes, archive_uri, error, started_at, finished_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10, $11)
	`,
		run.RunID, run.ChangeListID, run.Status, run.Message, configs,
		skipped, run.PatchBytes, run.ArchiveURI, run.Error, run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	batch := &pgx.Batch{}
	for i, b := range run.Builds {
		batch.Queue(`
			INSERT INTO remote_run_builds (run_id, position, build_id, config_id, outcome, status)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''))
		`, run.RunID, i, b.ID, b.ConfigID, b.Outcome, b.Status)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert builds: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Last returns the most recently finished run.
func (p *PostgresRecorder) Last(ctx context.Context) (*Run, error) {
	var run Run
	var changeList, message, archiveURI, runErr *string
	var skipped []byte
	err := p.pool.QueryRow(ctx, `
		SELECT run_id, change_list_id, status, message, configs, skipped,
			patch_bytes, archive_uri, error, started_at, finished_at
		FROM remote_runs
		ORDER BY finished_at DESC
		LIMIT 1
	`).Scan(&run.RunID, &changeList, &run.Status, &message, &run.Configs, &skipped,
		&run.PatchBytes, &archiveURI, &runErr, &run.StartedAt, &run.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoHistory
		}
		return nil, fmt.Errorf("query last run: %w", err)
	}
	run.ChangeListID = deref(changeList)
	run.Message = deref(message)
	run.ArchiveURI = deref(archiveURI)
	run.Error = deref(runErr)
	if err := json.Unmarshal(skipped, &run.Skipped); err != nil {
		return nil, fmt.Errorf("parse skipped files: %w", err)
	}

	rows, err := p.pool.Query(ctx, `
		SELECT build_id, config_id, COALESCE(outcome, ''), COALESCE(status, '')
		FROM remote_run_builds
		WHERE run_id = $1
		ORDER BY position
	`, run.RunID)
	if err != nil {
		return nil, fmt.Errorf("query builds: %w", err)
	}
	run.Builds, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Build, error) {
		var b Build
		err := row.Scan(&b.ID, &b.ConfigID, &b.Outcome, &b.Status)
		return b, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan builds: %w", err)
	}
	return &run, nil
}

func (p *PostgresRecorder) Close() error {
	p.pool.Close()
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
