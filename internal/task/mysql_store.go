package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "SynthralOS/internal/errors"
	"SynthralOS/pkg/logger"
)

const jobColumns = `id, task, protocols, current_protocol_index, attempts, max_attempts, tools, options, role,
        status, last_error, result, created_at, updated_at`

// MySQLStore 使用 MySQL 记录作业状态。
type MySQLStore struct {
	db   *sql.DB
	opts storeOptions
	log  *slog.Logger
}

// NewMySQLStore 连接数据库并执行迁移。
func NewMySQLStore(ctx context.Context, dsn string, opts ...StoreOption) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "mysql dsn must not be empty")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "open mysql")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "ping mysql")
	}

	store := NewMySQLStoreWithDB(db, opts...)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "migrate job schema")
	}
	return store, nil
}

// NewMySQLStoreWithDB 复用已有连接池，不执行迁移。
func NewMySQLStoreWithDB(db *sql.DB, opts ...StoreOption) *MySQLStore {
	return &MySQLStore{db: db, opts: buildStoreOptions(opts), log: logger.Named("job-store")}
}

func (s *MySQLStore) now() int64 {
	return s.opts.clock.Now().UnixMilli()
}

// Create 插入新的作业记录。
func (s *MySQLStore) Create(ctx context.Context, job *Job) error {
	if job == nil {
		return xerrors.New(xerrors.CodeValidation, "job must not be nil")
	}
	if strings.TrimSpace(job.ID) == "" {
		return xerrors.New(xerrors.CodeValidation, "job id must not be empty")
	}

	now := s.now()
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	protocols, err := json.Marshal(job.Protocols)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeValidation, err, "encode job protocols")
	}
	tools, err := marshalNullable(job.Tools, len(job.Tools) == 0)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeValidation, err, "encode job tools")
	}
	options, err := marshalNullable(job.Options, len(job.Options) == 0)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeValidation, err, "encode job options")
	}

	const stmt = `INSERT INTO jobs
        (id, task, protocols, current_protocol_index, attempts, max_attempts, tools, options, role, status, last_error, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		job.ID,
		job.Task,
		string(protocols),
		job.CurrentProtocolIndex,
		job.Attempts,
		job.MaxAttempts,
		tools,
		options,
		job.Role,
		string(job.Status),
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrJobConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert job")
	}
	return nil
}

// Get 查询指定作业。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query job")
	}
	return job, nil
}

// Claim 以条件更新领取作业，影响行数为零时根据当前状态给出原因。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Job, error) {
	const stmt = `UPDATE jobs SET status = ?, attempts = attempts + 1, updated_at = ?
        WHERE id = ? AND attempts < max_attempts
        AND (status IN (?, ?) OR (status = ? AND updated_at < ?))`

	now := s.now()
	res, err := s.db.ExecContext(ctx, stmt,
		string(StatusRunning),
		now,
		id,
		string(StatusPending),
		string(StatusRetrying),
		string(StatusRunning),
		now-s.opts.lease.Milliseconds(),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "claim job")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "claim job rows affected")
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected > 0 {
		return job, nil
	}
	switch {
	case job.Status == StatusCompleted:
		return job, ErrJobCompleted
	case job.Status == StatusFailed:
		return job, ErrJobExhausted
	case job.Status == StatusRunning && now-job.UpdatedAt < s.opts.lease.Milliseconds():
		return job, heldError(job, s.opts.lease, now)
	case job.Status == StatusRunning && job.Attempts >= job.MaxAttempts:
		return s.expireLease(ctx, job, now)
	case job.Attempts >= job.MaxAttempts:
		return job, ErrJobExhausted
	default:
		return job, ErrJobConflict
	}
}

// expireLease 把租约过期且尝试次数已用尽的作业置为 failed。
// 以 updated_at 作为版本条件，并发领取者中只有一个会成功。
func (s *MySQLStore) expireLease(ctx context.Context, job *Job, now int64) (*Job, error) {
	msg := leaseExpiredMessage(job)
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ? AND status = ? AND updated_at = ?`,
		string(StatusFailed), msg, now, job.ID, string(StatusRunning), job.UpdatedAt)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "expire job lease")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return job, ErrJobConflict
	}
	job.Status = StatusFailed
	job.LastError = msg
	job.UpdatedAt = now
	return job, ErrLeaseExpired
}

// MarkSucceeded 将作业标记为完成。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, result json.RawMessage) error {
	var value sql.NullString
	if len(result) > 0 {
		value = sql.NullString{String: string(result), Valid: true}
	}
	return s.exec(ctx, "mark job completed",
		`UPDATE jobs SET status = ?, result = ?, last_error = '', updated_at = ? WHERE id = ?`,
		string(StatusCompleted), value, s.now(), id)
}

// MarkRetrying 记录失败原因并前移协议索引；索引只增不减。
func (s *MySQLStore) MarkRetrying(ctx context.Context, id string, protocolIndex int, lastError string) error {
	return s.exec(ctx, "mark job retrying",
		`UPDATE jobs SET status = ?, last_error = ?, current_protocol_index = GREATEST(current_protocol_index, ?), updated_at = ? WHERE id = ?`,
		string(StatusRetrying), lastError, protocolIndex, s.now(), id)
}

// MarkFailed 将作业标记为终态失败。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, lastError string) error {
	return s.exec(ctx, "mark job failed",
		`UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(StatusFailed), lastError, s.now(), id)
}

func (s *MySQLStore) exec(ctx context.Context, op, stmt string, args ...any) error {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, op)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// List 返回符合条件的作业。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	opts.applyDefaults()

	query := `SELECT ` + jobColumns + ` FROM jobs`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list jobs")
	}
	defer rows.Close()

	jobs := make([]*Job, 0, opts.Limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate jobs")
	}
	return jobs, nil
}

// Stats 返回符合过滤条件的作业聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (JobStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(MIN(updated_at), 0),
        COALESCE(MAX(updated_at), 0)
        FROM jobs`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{
		string(StatusPending),
		string(StatusRunning),
		string(StatusRetrying),
		string(StatusCompleted),
		string(StatusFailed),
	}
	args = append(args, filterArgs...)

	var stats JobStats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Retrying,
		&stats.Completed,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return JobStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query job stats")
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job               Job
		status            string
		protocols         string
		tools, options    sql.NullString
		lastError, result sql.NullString
	)
	if err := row.Scan(
		&job.ID,
		&job.Task,
		&protocols,
		&job.CurrentProtocolIndex,
		&job.Attempts,
		&job.MaxAttempts,
		&tools,
		&options,
		&job.Role,
		&status,
		&lastError,
		&result,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Status = Status(status)
	job.LastError = lastError.String
	if err := json.Unmarshal([]byte(protocols), &job.Protocols); err != nil {
		return nil, fmt.Errorf("decode protocols: %w", err)
	}
	if err := unmarshalNullable(tools, &job.Tools); err != nil {
		return nil, fmt.Errorf("decode tools: %w", err)
	}
	if err := unmarshalNullable(options, &job.Options); err != nil {
		return nil, fmt.Errorf("decode options: %w", err)
	}
	if result.Valid && result.String != "" {
		job.Result = json.RawMessage(result.String)
	}
	return &job, nil
}

func marshalNullable(v any, empty bool) (sql.NullString, error) {
	if empty {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func unmarshalNullable(raw sql.NullString, dst any) error {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), dst)
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			conditions = append(conditions, "(result IS NOT NULL AND result <> '')")
		} else {
			conditions = append(conditions, "(result IS NULL OR result = '')")
		}
	}
	if opts.Protocol != "" {
		conditions = append(conditions, "JSON_CONTAINS(protocols, JSON_QUOTE(?))")
		args = append(args, opts.Protocol)
	}
	if opts.Role != "" {
		conditions = append(conditions, "role = ?")
		args = append(args, opts.Role)
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR task LIKE ? OR last_error LIKE ? OR result LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
