package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/aristath/taskengine/internal/task"
)

// Store defines the durability contract for task records and dead letters.
// Every write is atomic; a caller that gets a nil error may rely on the
// write surviving a restart.
type Store interface {
	// Task records
	SaveTask(ctx context.Context, rec *task.Record) error
	SaveTasks(ctx context.Context, recs []*task.Record) error
	GetTask(ctx context.Context, taskID string) (*task.Record, error)
	ListTasks(ctx context.Context, states ...task.State) ([]*task.Record, error)

	// Dead letters
	DeadLetterTask(ctx context.Context, rec *task.Record, dl *task.DeadLetter) error
	GetDeadLetter(ctx context.Context, taskID string) (*task.DeadLetter, error)
	ListDeadLetters(ctx context.Context, limit int) ([]*task.DeadLetter, error)
	DeleteDeadLetter(ctx context.Context, taskID string) error

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	log logrus.FieldLogger
}

// NewSQLiteStore opens (or creates) the database at dbPath and applies
// pending migrations. Parent directories are created as needed.
func NewSQLiteStore(ctx context.Context, dbPath string, log logrus.FieldLogger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)
	return open(ctx, connStr, log)
}

// NewMemoryStore creates an in-memory store for testing. Each call gets
// its own database; connections of one store share it through the cache.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)", uuid.NewString())
	return open(ctx, connStr, nil)
}

func open(ctx context.Context, connStr string, log logrus.FieldLogger) (*SQLiteStore, error) {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Writes are serialized by the queue; a second connection serves reads.
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db, log: log}

	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
