package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/openfroyo/stratus/pkg/engine"
	"github.com/openfroyo/stratus/pkg/model"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore persists instance states, operations and events in SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var (
	_ engine.StateStore     = (*SQLiteStore)(nil)
	_ engine.OperationStore = (*SQLiteStore)(nil)
	_ engine.EventStore     = (*SQLiteStore)(nil)
)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// every connection to :memory: opens a separate database
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

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

// Migrate runs the embedded migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// GetInstanceStates returns the states of a project keyed by instance id.
func (s *SQLiteStore) GetInstanceStates(ctx context.Context, projectID string) (map[string]*model.InstanceState, error) {
	query := `
		SELECT instance_id, status, input_hash_nonce, input_hash, dependency_output_hash,
		       self_hash, output_hash, secret_names, last_operation_id, updated_at
		FROM instance_states
		WHERE project_id = ?
	`

	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instance states: %w", err)
	}
	defer rows.Close()

	states := make(map[string]*model.InstanceState)
	for rows.Next() {
		state, err := scanInstanceState(rows)
		if err != nil {
			return nil, err
		}
		states[state.ID] = state
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate instance states: %w", err)
	}
	return states, nil
}

// GetInstanceState returns nil and no error if the instance has no state.
func (s *SQLiteStore) GetInstanceState(ctx context.Context, projectID, instanceID string) (*model.InstanceState, error) {
	query := `
		SELECT instance_id, status, input_hash_nonce, input_hash, dependency_output_hash,
		       self_hash, output_hash, secret_names, last_operation_id, updated_at
		FROM instance_states
		WHERE project_id = ? AND instance_id = ?
	`

	state, err := scanInstanceState(s.db.QueryRowContext(ctx, query, projectID, instanceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return state, err
}

// PutInstanceState inserts or replaces the state of an instance.
func (s *SQLiteStore) PutInstanceState(ctx context.Context, projectID string, state *model.InstanceState) error {
	if err := state.Status.Validate(); err != nil {
		return err
	}

	secrets, err := json.Marshal(nonNil(state.SecretNames))
	if err != nil {
		return fmt.Errorf("failed to encode secret names: %w", err)
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}

	var nonce sql.NullInt32
	if state.InputHashNonce != nil {
		nonce = sql.NullInt32{Int32: *state.InputHashNonce, Valid: true}
	}

	query := `
		INSERT INTO instance_states (project_id, instance_id, status, input_hash_nonce, input_hash,
			dependency_output_hash, self_hash, output_hash, secret_names, last_operation_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, instance_id) DO UPDATE SET
			status = excluded.status,
			input_hash_nonce = excluded.input_hash_nonce,
			input_hash = excluded.input_hash,
			dependency_output_hash = excluded.dependency_output_hash,
			self_hash = excluded.self_hash,
			output_hash = excluded.output_hash,
			secret_names = excluded.secret_names,
			last_operation_id = excluded.last_operation_id,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		projectID,
		state.ID,
		string(state.Status),
		nonce,
		int64(state.InputHash),
		int64(state.DependencyOutputHash),
		int64(state.SelfHash),
		int64(state.OutputHash),
		string(secrets),
		nullString(state.LastOperationID),
		state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put instance state: %w", err)
	}
	return nil
}

// DeleteInstanceState removes the state of an instance. Deleting a missing
// state is not an error.
func (s *SQLiteStore) DeleteInstanceState(ctx context.Context, projectID, instanceID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM instance_states WHERE project_id = ? AND instance_id = ?`, projectID, instanceID)
	if err != nil {
		return fmt.Errorf("failed to delete instance state: %w", err)
	}
	return nil
}

// SaveOperation inserts or updates an operation.
func (s *SQLiteStore) SaveOperation(ctx context.Context, op *engine.Operation) error {
	plan, err := json.Marshal(op.Plan)
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}
	if op.UpdatedAt.IsZero() {
		op.UpdatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO operations (id, project_id, type, status, title, description, plan, error,
			started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			plan = excluded.plan,
			error = excluded.error,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		op.ID,
		op.ProjectID,
		string(op.Type),
		string(op.Status),
		op.Meta.Title,
		nullString(op.Meta.Description),
		string(plan),
		nullString(op.Error),
		op.StartedAt,
		nullTime(op.CompletedAt),
		op.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save operation: %w", err)
	}
	return nil
}

// GetOperation retrieves an operation by id.
func (s *SQLiteStore) GetOperation(ctx context.Context, id string) (*engine.Operation, error) {
	query := `
		SELECT id, project_id, type, status, title, description, plan, error,
		       started_at, completed_at, updated_at
		FROM operations
		WHERE id = ?
	`

	op, err := scanOperation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: operation %s", ErrNotFound, id)
	}
	return op, err
}

// ListOperations lists the operations of a project, newest first. A limit of
// zero lists all of them.
func (s *SQLiteStore) ListOperations(ctx context.Context, projectID string, limit int) ([]*engine.Operation, error) {
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT id, project_id, type, status, title, description, plan, error,
		       started_at, completed_at, updated_at
		FROM operations
		WHERE project_id = ?
		ORDER BY started_at DESC, id
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	var ops []*engine.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate operations: %w", err)
	}
	return ops, nil
}

// SaveInstanceOperation inserts or updates the progress of an instance.
func (s *SQLiteStore) SaveInstanceOperation(ctx context.Context, io *engine.InstanceOperation) error {
	query := `
		INSERT INTO operation_instances (operation_id, phase, instance_id, status, message, error,
			started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(operation_id, phase, instance_id) DO UPDATE SET
			status = excluded.status,
			message = excluded.message,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`

	_, err := s.db.ExecContext(ctx, query,
		io.OperationID,
		string(io.Phase),
		io.InstanceID,
		string(io.Status),
		nullString(io.Message),
		nullString(io.Error),
		nullTime(io.StartedAt),
		nullTime(io.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save instance operation: %w", err)
	}
	return nil
}

// ListInstanceOperations lists the instance progress of an operation.
func (s *SQLiteStore) ListInstanceOperations(ctx context.Context, operationID string) ([]*engine.InstanceOperation, error) {
	query := `
		SELECT operation_id, phase, instance_id, status, message, error, started_at, completed_at
		FROM operation_instances
		WHERE operation_id = ?
		ORDER BY rowid
	`

	rows, err := s.db.QueryContext(ctx, query, operationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instance operations: %w", err)
	}
	defer rows.Close()

	var result []*engine.InstanceOperation
	for rows.Next() {
		io := &engine.InstanceOperation{}
		var phase, status string
		var message, errMsg sql.NullString
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&io.OperationID, &phase, &io.InstanceID, &status,
			&message, &errMsg, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan instance operation: %w", err)
		}
		io.Phase = engine.PhaseType(phase)
		io.Status = engine.InstanceOperationStatus(status)
		io.Message = message.String
		io.Error = errMsg.String
		io.StartedAt = timePtr(startedAt)
		io.CompletedAt = timePtr(completedAt)
		result = append(result, io)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate instance operations: %w", err)
	}
	return result, nil
}

// AppendEvent appends an event to the operation log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.Event) error {
	query := `
		INSERT INTO events (id, operation_id, instance_id, phase, type, level, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var data sql.NullString
	if len(event.Data) > 0 {
		data = sql.NullString{String: string(event.Data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.OperationID,
		nullString(event.InstanceID),
		nullString(string(event.Phase)),
		string(event.Type),
		event.Level,
		event.Message,
		data,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns the events of an operation in append order, optionally
// restricted to one instance.
func (s *SQLiteStore) ListEvents(ctx context.Context, operationID, instanceID string) ([]*engine.Event, error) {
	query := `
		SELECT id, operation_id, instance_id, phase, type, level, message, data, timestamp
		FROM events
		WHERE operation_id = ?
	`
	args := []any{operationID}
	if instanceID != "" {
		query += " AND instance_id = ?"
		args = append(args, instanceID)
	}
	query += " ORDER BY seq"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*engine.Event
	for rows.Next() {
		event := &engine.Event{}
		var instance, phase, data sql.NullString
		var typ string
		if err := rows.Scan(&event.ID, &event.OperationID, &instance, &phase, &typ,
			&event.Level, &event.Message, &data, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.InstanceID = instance.String
		event.Phase = engine.PhaseType(phase.String)
		event.Type = engine.EventType(typ)
		if data.Valid {
			event.Data = json.RawMessage(data.String)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstanceState(row scanner) (*model.InstanceState, error) {
	state := &model.InstanceState{}
	var status, secrets string
	var nonce sql.NullInt32
	var inputHash, depHash, selfHash, outputHash int64
	var lastOp sql.NullString

	err := row.Scan(&state.ID, &status, &nonce, &inputHash, &depHash, &selfHash,
		&outputHash, &secrets, &lastOp, &state.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan instance state: %w", err)
	}

	state.Status = model.InstanceStatus(status)
	if nonce.Valid {
		n := nonce.Int32
		state.InputHashNonce = &n
	}
	state.InputHash = uint32(inputHash)
	state.DependencyOutputHash = uint32(depHash)
	state.SelfHash = uint32(selfHash)
	state.OutputHash = uint32(outputHash)
	state.LastOperationID = lastOp.String
	if err := json.Unmarshal([]byte(secrets), &state.SecretNames); err != nil {
		return nil, fmt.Errorf("failed to decode secret names of %s: %w", state.ID, err)
	}
	if len(state.SecretNames) == 0 {
		state.SecretNames = nil
	}
	return state, nil
}

func scanOperation(row scanner) (*engine.Operation, error) {
	op := &engine.Operation{}
	var typ, status, plan string
	var description, errMsg sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(&op.ID, &op.ProjectID, &typ, &status, &op.Meta.Title, &description,
		&plan, &errMsg, &op.StartedAt, &completedAt, &op.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan operation: %w", err)
	}

	op.Type = engine.OperationType(typ)
	op.Status = engine.OperationStatus(status)
	op.Meta.Description = description.String
	op.Error = errMsg.String
	op.CompletedAt = timePtr(completedAt)
	if err := json.Unmarshal([]byte(plan), &op.Plan); err != nil {
		return nil, fmt.Errorf("failed to decode plan of operation %s: %w", op.ID, err)
	}
	return op, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
