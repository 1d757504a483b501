// Package store persists the sequence counters a node originates: the DODAG
// version and DTSN of every root it runs and the path sequence of every target
// it publishes.
//
// The database is opened in WAL mode. All statements are prepared once when
// the store is opened. The runtime goroutine is the only writer.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/encodeous/rpl/state"
	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

//go:embed schema.sql
var schemaSQL string

// opTimeout bounds every statement since state.SeqStore carries no context.
const opTimeout = 5 * time.Second

// SQLite implements state.SeqStore.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger

	stmtLoadRoot   *sql.Stmt
	stmtSaveRoot   *sql.Stmt
	stmtLoadTarget *sql.Stmt
	stmtSaveTarget *sql.Stmt
}

var _ state.SeqStore = (*SQLite)(nil)

// dsn builds a modernc.org/sqlite DSN with _pragma=key(value) parameters.
func dsn(path string, pragmas [][2]string) string {
	s := path
	for i, p := range pragmas {
		if i == 0 {
			s += "?"
		} else {
			s += "&"
		}
		s += "_pragma=" + p[0] + "(" + p[1] + ")"
	}
	return s
}

// New opens (creating if needed) the store at dbPath.
func New(ctx context.Context, dbPath string, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "db", dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sql.Open(driverName, dsn(dbPath, [][2]string{{"journal_mode", "WAL"}, {"busy_timeout", "5000"}}))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s, err := open(ctx, db, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("opened database", "path", dbPath)
	return s, nil
}

// NewInMemory creates a store that is lost on Close, for tests.
func NewInMemory(ctx context.Context, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "db", ":memory:")

	db, err := sql.Open(driverName, ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	// every connection to :memory: is a distinct database
	db.SetMaxOpenConns(1)
	s, err := open(ctx, db, logger)
	if err != nil {
		return nil, err
	}
	logger.Debug("opened in-memory database")
	return s, nil
}

func open(ctx context.Context, db *sql.DB, logger *slog.Logger) (*SQLite, error) {
	s := &SQLite{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := s.prepareStatements(ctx); err != nil {
		s.closeStatements()
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

func (s *SQLite) prepareStatements(ctx context.Context) error {
	var err error
	prepare := func(name, query string) *sql.Stmt {
		if err != nil {
			return nil
		}
		var stmt *sql.Stmt
		stmt, err = s.db.PrepareContext(ctx, query)
		if err != nil {
			err = fmt.Errorf("prepare %s: %w", name, err)
		}
		return stmt
	}
	s.stmtLoadRoot = prepare("LoadRoot",
		"SELECT version, dtsn FROM root_counters WHERE instance_id = ? AND dodag_id = ?")
	s.stmtSaveRoot = prepare("SaveRoot", `
		INSERT INTO root_counters (instance_id, dodag_id, version, dtsn, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (instance_id, dodag_id) DO UPDATE SET
			version = excluded.version, dtsn = excluded.dtsn, updated_at = excluded.updated_at`)
	s.stmtLoadTarget = prepare("LoadTargetSequence",
		"SELECT seq FROM target_sequences WHERE instance_id = ? AND prefix = ?")
	s.stmtSaveTarget = prepare("SaveTargetSequence", `
		INSERT INTO target_sequences (instance_id, prefix, seq, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (instance_id, prefix) DO UPDATE SET
			seq = excluded.seq, updated_at = excluded.updated_at`)
	return err
}

// Close closes all prepared statements and the database connection.
func (s *SQLite) Close() error {
	s.closeStatements()
	return s.db.Close()
}

func (s *SQLite) closeStatements() {
	for _, stmt := range []*sql.Stmt{s.stmtLoadRoot, s.stmtSaveRoot, s.stmtLoadTarget, s.stmtSaveTarget} {
		if stmt != nil {
			stmt.Close()
		}
	}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func (s *SQLite) LoadRoot(instanceID uint8, dodagID netip.Addr) (version, dtsn uint8, ok bool, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	err = s.stmtLoadRoot.QueryRowContext(ctx, instanceID, dodagID.String()).Scan(&version, &dtsn)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("load root %d/%s: %w", instanceID, dodagID, err)
	}
	return version, dtsn, true, nil
}

func (s *SQLite) SaveRoot(instanceID uint8, dodagID netip.Addr, version, dtsn uint8) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if _, err := s.stmtSaveRoot.ExecContext(ctx, instanceID, dodagID.String(), version, dtsn, now()); err != nil {
		return fmt.Errorf("save root %d/%s: %w", instanceID, dodagID, err)
	}
	s.logger.Debug("saved root counters", "instance", instanceID, "dodag", dodagID, "version", version, "dtsn", dtsn)
	return nil
}

func (s *SQLite) LoadTargetSequence(instanceID uint8, prefix netip.Prefix) (seq uint8, ok bool, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	err = s.stmtLoadTarget.QueryRowContext(ctx, instanceID, prefix.Masked().String()).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load target %d/%s: %w", instanceID, prefix, err)
	}
	return seq, true, nil
}

func (s *SQLite) SaveTargetSequence(instanceID uint8, prefix netip.Prefix, seq uint8) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if _, err := s.stmtSaveTarget.ExecContext(ctx, instanceID, prefix.Masked().String(), seq, now()); err != nil {
		return fmt.Errorf("save target %d/%s: %w", instanceID, prefix, err)
	}
	return nil
}
