package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgproto3/v2"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// SQLiteDriver is a go-sqlite3 driver with a Postgres-style now() function
// registered on every connection.
const SQLiteDriver = "sqlite3_pgprobe"

var ErrNilDB = errors.New("database connection is nil")

func init() {
	sql.Register(SQLiteDriver, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("now", func() string {
				return time.Now().UTC().Format(TimestampFormat)
			}, false)
		},
	})
}

// Store wraps a database/sql pool.
type Store struct {
	db     *sql.DB
	driver string
}

// New opens driver/dsn and verifies the connection. The pool is capped at one
// connection so every statement goes over the same session.
func New(driver, dsn string) (*Store, error) {
	return open(driver, dsn, 1)
}

// NewSQLite opens the SQLite database at dbPath. Unlike New the pool is not
// capped, so each Session gets a connection of its own.
func NewSQLite(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", dbPath)
	return open(SQLiteDriver, dsn, 0)
}

func open(driver, dsn string, maxConns int) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db, driver: driver}, nil
}

func (s *Store) Driver() string {
	return s.driver
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) Ping() error {
	if s.db == nil {
		return ErrNilDB
	}
	return s.db.Ping()
}

// EnsureTable creates table with a single timestamp column if it is missing.
func (s *Store) EnsureTable(ctx context.Context, table string) error {
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (t timestamptz)", pq.QuoteIdentifier(table))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}
	return nil
}

// InsertNow appends the server's current time to table.
func (s *Store) InsertNow(ctx context.Context, table string) error {
	stmt := fmt.Sprintf("INSERT INTO %s VALUES (now())", pq.QuoteIdentifier(table))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("insert into %s failed: %w", table, err)
	}
	return nil
}

func (s *Store) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	stmt := fmt.Sprintf("SELECT count(*) FROM %s", pq.QuoteIdentifier(table))
	if err := s.db.QueryRowContext(ctx, stmt).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s failed: %w", table, err)
	}
	return n, nil
}

// Exec runs a statement that returns no rows and reports the affected row
// count, or 0 when the driver cannot tell.
func (s *Store) Exec(sql string) (int64, error) {
	return execOn(context.Background(), s.db, sql)
}

func (s *Store) Query(sql string) ([]pgproto3.FieldDescription, [][][]byte, error) {
	return queryOn(context.Background(), s.db, sql)
}

// Session is a connection reserved for one client. Statements on it, including
// BEGIN and ROLLBACK, never interleave with other sessions.
type Session struct {
	conn *sql.Conn
}

// Session takes a dedicated connection from the pool. It blocks while the pool
// is exhausted, which for New's single connection means until the holder
// closes its session.
func (s *Store) Session(ctx context.Context) (*Session, error) {
	if s.db == nil {
		return nil, ErrNilDB
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve connection: %w", err)
	}
	return &Session{conn: conn}, nil
}

func (s *Session) Exec(ctx context.Context, sql string) (int64, error) {
	return execOn(ctx, s.conn, sql)
}

func (s *Session) Query(ctx context.Context, sql string) ([]pgproto3.FieldDescription, [][][]byte, error) {
	return queryOn(ctx, s.conn, sql)
}

// Close returns the connection to the pool. Callers roll back any transaction
// they opened first.
func (s *Session) Close() error {
	return s.conn.Close()
}

// querier is satisfied by both *sql.DB and *sql.Conn.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func execOn(ctx context.Context, q querier, sql string) (int64, error) {
	result, err := q.ExecContext(ctx, sql)
	if err != nil {
		return 0, fmt.Errorf("exec failed: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func queryOn(ctx context.Context, q querier, sql string) ([]pgproto3.FieldDescription, [][][]byte, error) {
	rows, err := q.QueryContext(ctx, sql)
	if err != nil {
		return nil, nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get column types: %w", err)
	}

	fieldDescriptions := make([]pgproto3.FieldDescription, len(columnTypes))
	for i, col := range columnTypes {
		fieldDescriptions[i] = pgproto3.FieldDescription{
			Name:         []byte(col.Name()),
			DataTypeOID:  OIDText,
			DataTypeSize: -1,
			TypeModifier: -1,
			Format:       0,
		}
	}

	numColumns := len(columnTypes)
	var resultRows [][][]byte

	for rows.Next() {
		values := make([]any, numColumns)
		scans := make([]any, numColumns)
		for i := range values {
			scans[i] = &values[i]
		}

		if err := rows.Scan(scans...); err != nil {
			return nil, nil, fmt.Errorf("failed to scan row: %w", err)
		}

		encodedRow := make([][]byte, numColumns)
		for i, val := range values {
			_, encoded := encodeValue(val)
			encodedRow[i] = encoded
		}

		resultRows = append(resultRows, encodedRow)
	}

	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return fieldDescriptions, resultRows, nil
}
