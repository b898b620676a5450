package persistence

import (
	"context"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its dialect, filesystem and logger in package globals.
var gooseMu sync.Mutex

// migrate brings the schema up to date.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{log: s.log})
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("setting migration dialect: %w", err)
	}

	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// gooseLogger forwards migration progress to logrus.
type gooseLogger struct {
	log logrus.FieldLogger
}

func (l gooseLogger) Printf(format string, v ...interface{}) {
	l.log.WithField("component", "migrations").Debugf(format, v...)
}

// Fatalf is only reached from goose's command-line paths; report it as an error instead of exiting.
func (l gooseLogger) Fatalf(format string, v ...interface{}) {
	l.log.WithField("component", "migrations").Errorf(format, v...)
}
