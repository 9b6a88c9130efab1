package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"deployd/internal/deploy"
	logx "deployd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const deploymentColumns = `id, name, description, section, version, parent_deployment_id,
	configuration_id, target_type, target_id, status, logs, started_at, completed_at,
	schedule_type, scheduled_for, cron_expression, timezone, is_active, next_run_at,
	last_run_at, batch_key, created_at, updated_at`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (deploy.Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers. A single
	// connection also makes the read-max-version-then-insert append path
	// serial without row locking games.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Info("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Create(ctx context.Context, spec deploy.Spec) (deploy.Deployment, error) {
	return s.insert(ctx, spec, false)
}

func (s *sqliteStore) Append(ctx context.Context, key deploy.LineageKey, spec deploy.Spec) (deploy.Deployment, error) {
	spec.Name = key.Name
	spec.ConfigurationID = key.ConfigurationID
	spec.TargetID = key.TargetID
	return s.insert(ctx, spec, true)
}

// insert assigns the next version inside a transaction so concurrent appends
// to the same lineage never observe the same max version.
func (s *sqliteStore) insert(ctx context.Context, spec deploy.Spec, mustExist bool) (deploy.Deployment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return deploy.Deployment{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		priorID      string
		priorVersion int
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, version FROM deployments
		 WHERE name = ? AND configuration_id = ? AND target_id = ?
		 ORDER BY version DESC LIMIT 1`,
		spec.Name, spec.ConfigurationID, spec.TargetID,
	).Scan(&priorID, &priorVersion)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if mustExist {
			return deploy.Deployment{}, deploy.ErrNotFound
		}
	case err != nil:
		return deploy.Deployment{}, err
	}

	now := time.Now()
	d := deploy.Deployment{
		ID:              uuid.NewString(),
		Name:            spec.Name,
		Description:     spec.Description,
		Section:         spec.Section,
		Version:         priorVersion + 1,
		ConfigurationID: spec.ConfigurationID,
		TargetType:      spec.TargetType,
		TargetID:        spec.TargetID,
		Status:          deploy.StatusPending,
		ScheduleType:    spec.ScheduleType,
		ScheduledFor:    spec.ScheduledFor,
		CronExpression:  spec.CronExpression,
		Timezone:        spec.Timezone,
		NextRunAt:       spec.NextRunAt,
		BatchKey:        spec.BatchKey,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if d.Section == "" {
		d.Section = "general"
	}
	if priorID != "" {
		d.ParentDeploymentID = priorID
	}
	// Recurring definitions carry a computed next fire time and start live;
	// recurring run instances carry none and stay inert.
	d.IsActive = spec.ScheduleType == deploy.ScheduleRecurring && spec.NextRunAt != nil

	_, err = tx.ExecContext(ctx,
		`INSERT INTO deployments(`+deploymentColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.Name, nullStr(d.Description), d.Section, d.Version, nullStr(d.ParentDeploymentID),
		d.ConfigurationID, string(d.TargetType), d.TargetID, string(d.Status), d.Logs,
		nullTime(d.StartedAt), nullTime(d.CompletedAt),
		string(d.ScheduleType), nullTime(d.ScheduledFor), nullStr(d.CronExpression), nullStr(d.Timezone),
		d.IsActive, nullTime(d.NextRunAt), nullTime(d.LastRunAt), nullStr(d.BatchKey),
		d.CreatedAt.UnixMilli(), d.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return deploy.Deployment{}, err
	}
	if err := tx.Commit(); err != nil {
		return deploy.Deployment{}, err
	}
	return d, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (deploy.Deployment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`, id)
	d, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return deploy.Deployment{}, deploy.ErrNotFound
	}
	return d, err
}

func (s *sqliteStore) List(ctx context.Context) ([]deploy.Deployment, error) {
	return s.query(ctx,
		`SELECT `+deploymentColumns+` FROM deployments ORDER BY rowid DESC`)
}

func (s *sqliteStore) ListLineage(ctx context.Context, key deploy.LineageKey) ([]deploy.Deployment, error) {
	return s.query(ctx,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE name = ? AND configuration_id = ? AND target_id = ?
		 ORDER BY version DESC`,
		key.Name, key.ConfigurationID, key.TargetID)
}

func (s *sqliteStore) ListBatch(ctx context.Context, batchKey string) ([]deploy.Deployment, error) {
	if batchKey == "" {
		return nil, nil
	}
	return s.query(ctx,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE batch_key = ? ORDER BY rowid ASC`,
		batchKey)
}

func (s *sqliteStore) ListScheduledDue(ctx context.Context, now time.Time) ([]deploy.Deployment, error) {
	return s.query(ctx,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE schedule_type = ? AND status = ? AND scheduled_for IS NOT NULL AND scheduled_for <= ?
		 ORDER BY rowid ASC`,
		string(deploy.ScheduleScheduled), string(deploy.StatusPending), now.UnixMilli())
}

func (s *sqliteStore) ListRecurringDue(ctx context.Context, now time.Time) ([]deploy.Deployment, error) {
	return s.query(ctx,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE schedule_type = ? AND is_active = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		 ORDER BY rowid ASC`,
		string(deploy.ScheduleRecurring), now.UnixMilli())
}

func (s *sqliteStore) query(ctx context.Context, q string, args ...any) ([]deploy.Deployment, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []deploy.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateStatus(ctx context.Context, id string, to deploy.Status, note string) (deploy.Deployment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return deploy.Deployment{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`, id)
	d, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return deploy.Deployment{}, deploy.ErrNotFound
	}
	if err != nil {
		return deploy.Deployment{}, err
	}
	if !deploy.CanTransition(d.Status, to) {
		return deploy.Deployment{}, fmt.Errorf("%w: %s -> %s", deploy.ErrInvalidTransition, d.Status, to)
	}

	now := time.Now()
	d.Status = to
	d.UpdatedAt = now
	if to == deploy.StatusRunning {
		d.StartedAt = &now
	}
	if to.Terminal() {
		d.CompletedAt = &now
	}
	if note != "" {
		d.Logs += note
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE deployments
		 SET status = ?, logs = ?, started_at = ?, completed_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(d.Status), d.Logs, nullTime(d.StartedAt), nullTime(d.CompletedAt), now.UnixMilli(), id)
	if err != nil {
		return deploy.Deployment{}, err
	}
	if err := tx.Commit(); err != nil {
		return deploy.Deployment{}, err
	}
	return d, nil
}

func (s *sqliteStore) AppendLogs(ctx context.Context, id string, chunk string) error {
	if chunk == "" {
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET logs = logs || ?, updated_at = ? WHERE id = ?`,
		chunk, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (s *sqliteStore) SetRecurrence(ctx context.Context, id string, nextRunAt, lastRunAt *time.Time) error {
	if err := s.requireRecurring(ctx, id); err != nil {
		return err
	}
	if lastRunAt != nil {
		_, err := s.db.ExecContext(ctx,
			`UPDATE deployments SET next_run_at = ?, last_run_at = ?, updated_at = ? WHERE id = ?`,
			nullTime(nextRunAt), nullTime(lastRunAt), time.Now().UnixMilli(), id)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET next_run_at = ?, updated_at = ? WHERE id = ?`,
		nullTime(nextRunAt), time.Now().UnixMilli(), id)
	return err
}

func (s *sqliteStore) SetRecurringActive(ctx context.Context, id string, active bool) error {
	if err := s.requireRecurring(ctx, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().UnixMilli(), id)
	return err
}

func (s *sqliteStore) requireRecurring(ctx context.Context, id string) error {
	var st string
	err := s.db.QueryRowContext(ctx,
		`SELECT schedule_type FROM deployments WHERE id = ?`, id).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return deploy.ErrNotFound
	}
	if err != nil {
		return err
	}
	if st != string(deploy.ScheduleRecurring) {
		return deploy.ErrNotRecurring
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	var st string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM deployments WHERE id = ?`, id).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return deploy.ErrNotFound
	}
	if err != nil {
		return err
	}
	if st == string(deploy.StatusRunning) {
		return deploy.ErrDeleteRunning
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM deployments WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) MarkInterrupted(ctx context.Context) (int, error) {
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE deployments
		 SET status = ?, logs = logs || ?, completed_at = ?, updated_at = ?
		 WHERE status = ?`,
		string(deploy.StatusFailed), interruptedNote, now, now, string(deploy.StatusRunning))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row rowScanner) (deploy.Deployment, error) {
	var (
		d                        deploy.Deployment
		desc, parent, cronExpr   sql.NullString
		tz, batch                sql.NullString
		targetType, status, sch  string
		started, completed       sql.NullInt64
		schedFor, nextRun        sql.NullInt64
		lastRun                  sql.NullInt64
		createdMS, updatedMS     int64
	)
	err := row.Scan(
		&d.ID, &d.Name, &desc, &d.Section, &d.Version, &parent,
		&d.ConfigurationID, &targetType, &d.TargetID, &status, &d.Logs,
		&started, &completed,
		&sch, &schedFor, &cronExpr, &tz, &d.IsActive, &nextRun,
		&lastRun, &batch, &createdMS, &updatedMS,
	)
	if err != nil {
		return deploy.Deployment{}, err
	}

	d.Description = desc.String
	d.ParentDeploymentID = parent.String
	d.TargetType = deploy.TargetType(targetType)
	d.Status = deploy.Status(status)
	d.ScheduleType = deploy.ScheduleType(sch)
	d.CronExpression = cronExpr.String
	d.Timezone = tz.String
	d.BatchKey = batch.String
	d.StartedAt = timePtr(started)
	d.CompletedAt = timePtr(completed)
	d.ScheduledFor = timePtr(schedFor)
	d.NextRunAt = timePtr(nextRun)
	d.LastRunAt = timePtr(lastRun)
	d.CreatedAt = time.UnixMilli(createdMS)
	d.UpdatedAt = time.UnixMilli(updatedMS)
	return d, nil
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return deploy.ErrNotFound
	}
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
