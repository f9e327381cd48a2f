package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/labforge/labforge/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the registry on SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string        `json:"path" yaml:"path" mapstructure:"path" validate:"required"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 4
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database. Transactions begin IMMEDIATE so the writer lock
// is taken before a quota count is read.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database answers queries.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// Backup writes a consistent copy of the database to path.
func (s *SQLiteStore) Backup(ctx context.Context, path string) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("failed to back up database: %w", err)
	}
	return nil
}

const resourceColumns = `id, type, name, owner, project, provider, endpoint, parent_id, status,
	spec, cloud_ref, network, libraries, schedule, sequence, pending_action,
	pending_terminate, queued_action, reupload_key_required, dispatch_deadline,
	last_error, last_actor, created_at, updated_at, status_changed_at, last_activity, version`

// CreateResource counts the quota-holding records and inserts rec in one transaction.
func (s *SQLiteStore) CreateResource(ctx context.Context, rec *engine.ResourceRecord, limit engine.QuotaLimit) error {
	row, err := encodeResource(rec)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := checkQuota(ctx, tx, rec, limit); err != nil {
		return err
	}

	row[len(row)-1] = int64(1)
	query := `INSERT INTO resources (` + resourceColumns + `) VALUES (` + placeholders(len(row)) + `)`
	if _, err := tx.ExecContext(ctx, query, row...); err != nil {
		if isUniqueViolation(err) {
			return engine.NewPermanentError("resource already exists", err).WithCode(engine.ErrCodeAlreadyExists).WithResource(rec.ID)
		}
		return fmt.Errorf("failed to create resource: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit resource: %w", err)
	}
	rec.Version = 1
	return nil
}

// GetResource retrieves a resource by ID.
func (s *SQLiteStore) GetResource(ctx context.Context, id string) (*engine.ResourceRecord, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE id = ?`
	rec, err := scanResource(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("resource", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	return rec, nil
}

// UpdateResource writes rec if the stored version matches.
func (s *SQLiteStore) UpdateResource(ctx context.Context, rec *engine.ResourceRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := updateResource(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit resource: %w", err)
	}
	rec.Version++
	return nil
}

// UpdateResourceWithQuota re-checks quota and writes rec in one transaction.
func (s *SQLiteStore) UpdateResourceWithQuota(ctx context.Context, rec *engine.ResourceRecord, limit engine.QuotaLimit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := checkQuota(ctx, tx, rec, limit); err != nil {
		return err
	}
	if err := updateResource(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit resource: %w", err)
	}
	rec.Version++
	return nil
}

// ListResources lists resources matching filter, oldest first.
func (s *SQLiteStore) ListResources(ctx context.Context, filter engine.ResourceFilter) ([]*engine.ResourceRecord, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, filter.Owner)
	}
	if filter.Project != "" {
		where = append(where, "project = ?")
		args = append(args, filter.Project)
	}
	if filter.ParentID != "" {
		where = append(where, "parent_id = ?")
		args = append(args, filter.ParentID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.QueuedOnly {
		where = append(where, "queued_action != ''")
	}
	if filter.ScheduledOnly {
		where = append(where, "schedule IS NOT NULL")
	}
	if filter.DeadlineBefore != nil {
		where = append(where, "dispatch_deadline IS NOT NULL AND dispatch_deadline <= ?")
		args = append(args, filter.DeadlineBefore.UnixNano())
	}

	query := `SELECT ` + resourceColumns + ` FROM resources`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, rowid ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	recs := []*engine.ResourceRecord{}
	for rows.Next() {
		rec, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}
	return recs, nil
}

// CountResources returns the number of records per status for a type.
func (s *SQLiteStore) CountResources(ctx context.Context, t engine.ResourceType) (map[engine.ResourceStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM resources WHERE type = ? GROUP BY status`, string(t))
	if err != nil {
		return nil, fmt.Errorf("failed to count resources: %w", err)
	}
	defer rows.Close()

	counts := make(map[engine.ResourceStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[engine.ResourceStatus(status)] = n
	}
	return counts, rows.Err()
}

// CreateProject inserts a project record.
func (s *SQLiteStore) CreateProject(ctx context.Context, p *engine.ProjectRecord) error {
	edge, err := json.Marshal(p.Edge)
	if err != nil {
		return fmt.Errorf("failed to encode edge: %w", err)
	}
	query := `
		INSERT INTO projects (name, tag, endpoint, key_content, resource_id, edge_id, edge, status, created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`
	_, err = s.db.ExecContext(ctx, query,
		p.Name, p.Tag, p.Endpoint, p.KeyContent, p.ResourceID, p.EdgeID, string(edge),
		string(p.Status), toNanos(p.CreatedAt), toNanos(p.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return engine.NewPermanentError("project already exists", err).WithCode(engine.ErrCodeAlreadyExists).WithResource(p.Name)
		}
		return fmt.Errorf("failed to create project: %w", err)
	}
	p.Version = 1
	return nil
}

// GetProject retrieves a project by name.
func (s *SQLiteStore) GetProject(ctx context.Context, name string) (*engine.ProjectRecord, error) {
	query := `SELECT name, tag, endpoint, key_content, resource_id, edge_id, edge, status, created_at, updated_at, version
		FROM projects WHERE name = ?`
	p, err := scanProject(s.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("project", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return p, nil
}

// UpdateProject writes p if the stored version matches.
func (s *SQLiteStore) UpdateProject(ctx context.Context, p *engine.ProjectRecord) error {
	edge, err := json.Marshal(p.Edge)
	if err != nil {
		return fmt.Errorf("failed to encode edge: %w", err)
	}
	query := `
		UPDATE projects
		SET tag = ?, endpoint = ?, key_content = ?, resource_id = ?, edge_id = ?, edge = ?,
			status = ?, updated_at = ?, version = version + 1
		WHERE name = ? AND version = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		p.Tag, p.Endpoint, p.KeyContent, p.ResourceID, p.EdgeID, string(edge),
		string(p.Status), toNanos(p.UpdatedAt), p.Name, p.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}
	if err := s.checkVersioned(ctx, result, "projects", "name", "project", p.Name); err != nil {
		return err
	}
	p.Version++
	return nil
}

// ListProjects lists every project ordered by name.
func (s *SQLiteStore) ListProjects(ctx context.Context) ([]*engine.ProjectRecord, error) {
	query := `SELECT name, tag, endpoint, key_content, resource_id, edge_id, edge, status, created_at, updated_at, version
		FROM projects ORDER BY name ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	projects := []*engine.ProjectRecord{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating projects: %w", err)
	}
	return projects, nil
}

const taskColumns = `id, user_name, project, key_content, targets, status, deadline, created_at, updated_at, completed_at, version`

// CreateReuploadTask inserts task unless the user already has an active task in the project.
func (s *SQLiteStore) CreateReuploadTask(ctx context.Context, task *engine.ReuploadKeyTask) error {
	targets, err := json.Marshal(task.Targets)
	if err != nil {
		return fmt.Errorf("failed to encode targets: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var active int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reupload_tasks WHERE user_name = ? AND project = ? AND status = ?`,
		task.User, task.Project, string(engine.TaskStatusRunning),
	).Scan(&active)
	if err != nil {
		return fmt.Errorf("failed to check active tasks: %w", err)
	}
	if active > 0 {
		return activeTaskConflict(task)
	}

	query := `INSERT INTO reupload_tasks (` + taskColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`
	_, err = tx.ExecContext(ctx, query,
		task.ID, task.User, task.Project, task.KeyContent, string(targets), string(task.Status),
		toNanos(task.Deadline), toNanos(task.CreatedAt), toNanos(task.UpdatedAt), nullNanos(task.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return activeTaskConflict(task)
		}
		return fmt.Errorf("failed to create reupload task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reupload task: %w", err)
	}
	task.Version = 1
	return nil
}

// GetReuploadTask retrieves a task by ID.
func (s *SQLiteStore) GetReuploadTask(ctx context.Context, id string) (*engine.ReuploadKeyTask, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM reupload_tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("reupload task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reupload task: %w", err)
	}
	return task, nil
}

// UpdateReuploadTask writes task if the stored version matches.
func (s *SQLiteStore) UpdateReuploadTask(ctx context.Context, task *engine.ReuploadKeyTask) error {
	targets, err := json.Marshal(task.Targets)
	if err != nil {
		return fmt.Errorf("failed to encode targets: %w", err)
	}
	query := `
		UPDATE reupload_tasks
		SET key_content = ?, targets = ?, status = ?, deadline = ?, updated_at = ?, completed_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		task.KeyContent, string(targets), string(task.Status), toNanos(task.Deadline),
		toNanos(task.UpdatedAt), nullNanos(task.CompletedAt), task.ID, task.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update reupload task: %w", err)
	}
	if err := s.checkVersioned(ctx, result, "reupload_tasks", "id", "reupload task", task.ID); err != nil {
		return err
	}
	task.Version++
	return nil
}

// ListActiveReuploadTasks lists running tasks, oldest first.
func (s *SQLiteStore) ListActiveReuploadTasks(ctx context.Context) ([]*engine.ReuploadKeyTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM reupload_tasks WHERE status = ? ORDER BY created_at ASC, rowid ASC`,
		string(engine.TaskStatusRunning),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list reupload tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*engine.ReuploadKeyTask{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reupload task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reupload tasks: %w", err)
	}
	return tasks, nil
}

// PutUserKey stores the key a user rotated to, replacing any earlier one.
func (s *SQLiteStore) PutUserKey(ctx context.Context, key *engine.UserKey) error {
	query := `
		INSERT INTO user_keys (user_name, project, key_content, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_name, project) DO UPDATE SET
			key_content = excluded.key_content,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, key.User, key.Project, key.KeyContent, toNanos(key.UpdatedAt)); err != nil {
		return fmt.Errorf("failed to store user key: %w", err)
	}
	return nil
}

// ListUserKeys returns the rotated keys of a project ordered by user.
func (s *SQLiteStore) ListUserKeys(ctx context.Context, project string) ([]*engine.UserKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_name, project, key_content, updated_at FROM user_keys WHERE project = ? ORDER BY user_name`,
		project,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list user keys: %w", err)
	}
	defer rows.Close()

	keys := []*engine.UserKey{}
	for rows.Next() {
		var (
			k       engine.UserKey
			updated int64
		)
		if err := rows.Scan(&k.User, &k.Project, &k.KeyContent, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan user key: %w", err)
		}
		k.UpdatedAt = fromNanos(updated)
		keys = append(keys, &k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user keys: %w", err)
	}
	return keys, nil
}

// AppendAudit appends an audit entry.
func (s *SQLiteStore) AppendAudit(ctx context.Context, entry *engine.AuditEntry) error {
	var details sql.NullString
	if len(entry.Details) > 0 {
		b, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("failed to encode audit details: %w", err)
		}
		details = sql.NullString{String: string(b), Valid: true}
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO audit (actor, action, target_id, details, timestamp) VALUES (?, ?, ?, ?, ?)`,
		entry.Actor, entry.Action, entry.TargetID, details, toNanos(entry.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}
	entry.ID = id
	return nil
}

// ListAudit lists audit entries, newest first. An empty targetID lists all entries.
func (s *SQLiteStore) ListAudit(ctx context.Context, targetID string, limit int) ([]*engine.AuditEntry, error) {
	query := `SELECT id, actor, action, target_id, details, timestamp FROM audit`
	var args []interface{}
	if targetID != "" {
		query += " WHERE target_id = ?"
		args = append(args, targetID)
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*engine.AuditEntry{}
	for rows.Next() {
		var (
			e       engine.AuditEntry
			details sql.NullString
			ts      int64
		)
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.TargetID, &details, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("failed to decode audit details: %w", err)
			}
		}
		e.Timestamp = fromNanos(ts)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}

// checkVersioned turns a zero-row versioned update into NOT_FOUND or CONFLICT.
func (s *SQLiteStore) checkVersioned(ctx context.Context, result sql.Result, table, key, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE "+key+" = ?", id).Scan(&n); err != nil {
		return fmt.Errorf("failed to check %s: %w", kind, err)
	}
	if n == 0 {
		return engine.NewNotFoundError(kind, id)
	}
	return engine.NewConflictError(kind+" was modified concurrently", nil).WithResource(id)
}

func updateResource(ctx context.Context, tx *sql.Tx, rec *engine.ResourceRecord) error {
	row, err := encodeResource(rec)
	if err != nil {
		return err
	}
	query := `
		UPDATE resources SET
			type = ?, name = ?, owner = ?, project = ?, provider = ?, endpoint = ?, parent_id = ?, status = ?,
			spec = ?, cloud_ref = ?, network = ?, libraries = ?, schedule = ?, sequence = ?, pending_action = ?,
			pending_terminate = ?, queued_action = ?, reupload_key_required = ?, dispatch_deadline = ?,
			last_error = ?, last_actor = ?, created_at = ?, updated_at = ?, status_changed_at = ?, last_activity = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`
	// Drop id from the front and version from the back of the column list.
	args := append(append([]interface{}{}, row[1:len(row)-1]...), rec.ID, rec.Version)
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update resource: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var n int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM resources WHERE id = ?", rec.ID).Scan(&n); err != nil {
		return fmt.Errorf("failed to check resource: %w", err)
	}
	if n == 0 {
		return engine.NewNotFoundError("resource", rec.ID)
	}
	return engine.NewConflictError("resource was modified concurrently", nil).WithResource(rec.ID)
}

// checkQuota counts slot-holding records of rec's type for its owner and
// project, excluding rec itself.
func checkQuota(ctx context.Context, tx *sql.Tx, rec *engine.ResourceRecord, limit engine.QuotaLimit) error {
	if limit.Unlimited() {
		return nil
	}

	statuses := make([]interface{}, 0, len(engine.QuotaStatuses))
	for _, st := range engine.QuotaStatuses {
		statuses = append(statuses, string(st))
	}
	in := placeholders(len(statuses))

	count := func(column, value string) (int, error) {
		args := append([]interface{}{string(rec.Type), value, rec.ID}, statuses...)
		var n int
		err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM resources WHERE type = ? AND "+column+" = ? AND id != ? AND status IN ("+in+")",
			args...,
		).Scan(&n)
		return n, err
	}

	if limit.MaxPerUser > 0 {
		n, err := count("owner", rec.Owner)
		if err != nil {
			return fmt.Errorf("failed to count user resources: %w", err)
		}
		if n >= limit.MaxPerUser {
			return engine.NewQuotaExceededError("user", rec.Type, limit.MaxPerUser).WithResource(rec.ID)
		}
	}
	if limit.MaxPerProject > 0 {
		n, err := count("project", rec.Project)
		if err != nil {
			return fmt.Errorf("failed to count project resources: %w", err)
		}
		if n >= limit.MaxPerProject {
			return engine.NewQuotaExceededError("project", rec.Type, limit.MaxPerProject).WithResource(rec.ID)
		}
	}
	return nil
}

// encodeResource returns the column values in resourceColumns order.
func encodeResource(rec *engine.ResourceRecord) ([]interface{}, error) {
	spec, err := json.Marshal(rec.Spec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode spec: %w", err)
	}
	network, err := json.Marshal(rec.Network)
	if err != nil {
		return nil, fmt.Errorf("failed to encode network: %w", err)
	}
	libs := rec.Libraries
	if libs == nil {
		libs = []engine.Library{}
	}
	libraries, err := json.Marshal(libs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode libraries: %w", err)
	}
	var schedule sql.NullString
	if rec.Schedule != nil {
		b, err := json.Marshal(rec.Schedule)
		if err != nil {
			return nil, fmt.Errorf("failed to encode schedule: %w", err)
		}
		schedule = sql.NullString{String: string(b), Valid: true}
	}

	return []interface{}{
		rec.ID,
		string(rec.Type),
		rec.Name,
		rec.Owner,
		rec.Project,
		rec.Provider,
		rec.Endpoint,
		rec.ParentID,
		string(rec.Status),
		string(spec),
		rec.CloudRef,
		string(network),
		string(libraries),
		schedule,
		rec.Sequence,
		string(rec.PendingAction),
		rec.PendingTerminate,
		string(rec.QueuedAction),
		rec.ReuploadKeyRequired,
		nullNanos(rec.DispatchDeadline),
		rec.LastError,
		rec.LastActor,
		toNanos(rec.CreatedAt),
		toNanos(rec.UpdatedAt),
		toNanos(rec.StatusChangedAt),
		toNanos(rec.LastActivity),
		rec.Version,
	}, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanResource(row scanner) (*engine.ResourceRecord, error) {
	var (
		rec                                           engine.ResourceRecord
		typ, status, pending, queued                  string
		spec, network, libraries                      string
		schedule                                      sql.NullString
		deadline                                      sql.NullInt64
		created, updated, statusChanged, lastActivity int64
	)
	err := row.Scan(
		&rec.ID, &typ, &rec.Name, &rec.Owner, &rec.Project, &rec.Provider, &rec.Endpoint, &rec.ParentID, &status,
		&spec, &rec.CloudRef, &network, &libraries, &schedule, &rec.Sequence, &pending,
		&rec.PendingTerminate, &queued, &rec.ReuploadKeyRequired, &deadline,
		&rec.LastError, &rec.LastActor, &created, &updated, &statusChanged, &lastActivity, &rec.Version,
	)
	if err != nil {
		return nil, err
	}

	rec.Type = engine.ResourceType(typ)
	rec.Status = engine.ResourceStatus(status)
	rec.PendingAction = engine.Action(pending)
	rec.QueuedAction = engine.Action(queued)
	if err := json.Unmarshal([]byte(spec), &rec.Spec); err != nil {
		return nil, fmt.Errorf("failed to decode spec: %w", err)
	}
	if err := json.Unmarshal([]byte(network), &rec.Network); err != nil {
		return nil, fmt.Errorf("failed to decode network: %w", err)
	}
	if err := json.Unmarshal([]byte(libraries), &rec.Libraries); err != nil {
		return nil, fmt.Errorf("failed to decode libraries: %w", err)
	}
	if len(rec.Libraries) == 0 {
		rec.Libraries = nil
	}
	if schedule.Valid {
		rec.Schedule = &engine.SchedulePolicy{}
		if err := json.Unmarshal([]byte(schedule.String), rec.Schedule); err != nil {
			return nil, fmt.Errorf("failed to decode schedule: %w", err)
		}
	}
	if deadline.Valid {
		d := fromNanos(deadline.Int64)
		rec.DispatchDeadline = &d
	}
	rec.CreatedAt = fromNanos(created)
	rec.UpdatedAt = fromNanos(updated)
	rec.StatusChangedAt = fromNanos(statusChanged)
	rec.LastActivity = fromNanos(lastActivity)
	return &rec, nil
}

func scanProject(row scanner) (*engine.ProjectRecord, error) {
	var (
		p                engine.ProjectRecord
		status, edge     string
		created, updated int64
	)
	err := row.Scan(&p.Name, &p.Tag, &p.Endpoint, &p.KeyContent, &p.ResourceID, &p.EdgeID, &edge,
		&status, &created, &updated, &p.Version)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(edge), &p.Edge); err != nil {
		return nil, fmt.Errorf("failed to decode edge: %w", err)
	}
	p.Status = engine.ProjectStatus(status)
	p.CreatedAt = fromNanos(created)
	p.UpdatedAt = fromNanos(updated)
	return &p, nil
}

func scanTask(row scanner) (*engine.ReuploadKeyTask, error) {
	var (
		task                       engine.ReuploadKeyTask
		targets, status            string
		deadline, created, updated int64
		completed                  sql.NullInt64
	)
	err := row.Scan(&task.ID, &task.User, &task.Project, &task.KeyContent, &targets, &status,
		&deadline, &created, &updated, &completed, &task.Version)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(targets), &task.Targets); err != nil {
		return nil, fmt.Errorf("failed to decode targets: %w", err)
	}
	task.Status = engine.TaskStatus(status)
	task.Deadline = fromNanos(deadline)
	task.CreatedAt = fromNanos(created)
	task.UpdatedAt = fromNanos(updated)
	if completed.Valid {
		c := fromNanos(completed.Int64)
		task.CompletedAt = &c
	}
	return &task, nil
}

func activeTaskConflict(task *engine.ReuploadKeyTask) error {
	return engine.NewConflictError(
		fmt.Sprintf("user %s already has an active key reupload in project %s", task.User, task.Project), nil,
	).WithResource(task.Project)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func isUniqueViolation(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY"))
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}
