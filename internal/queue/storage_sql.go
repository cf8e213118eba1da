package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect selects the SQL flavour spoken by a SQLStore.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
	DialectMySQL
)

// DialectFor maps a database/sql driver name to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "sqlite3", "sqlite":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pq":
		return DialectPostgres, nil
	case "mysql":
		return DialectMySQL, nil
	default:
		return 0, fmt.Errorf("unsupported sql driver %q", driver)
	}
}

func driverName(d Dialect) string {
	switch d {
	case DialectPostgres:
		return "postgres"
	case DialectMySQL:
		return "mysql"
	default:
		return "sqlite3"
	}
}

// SQLStore implements Store on a relational database.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps an open database. Call Migrate before first use.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// OpenSQLStore opens dsn with driver, checks the connection and creates
// the queue tables.
func OpenSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driverName(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if dialect == DialectSQLite {
		// One writer at a time avoids SQLITE_BUSY under concurrent completions.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", driver, err)
	}
	s := NewSQLStore(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error { return s.db.Close() }

// Migrate creates the queue tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	metaType, bodyType := "TEXT", "BLOB"
	switch s.dialect {
	case DialectPostgres:
		bodyType = "BYTEA"
	case DialectMySQL:
		metaType, bodyType = "LONGTEXT", "LONGBLOB"
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS queue_meta (
			id VARCHAR(64) PRIMARY KEY,
			seq BIGINT NOT NULL,
			meta %s NOT NULL
		)`, metaType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS queue_bodies (
			id VARCHAR(64) PRIMARY KEY,
			body %s NOT NULL
		)`, bodyType),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create queue tables: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders for dialects that number them.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func (s *SQLStore) upsert(table string, cols ...string) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	var sets []string
	for _, c := range cols[1:] {
		if s.dialect == DialectMySQL {
			sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", c, c))
		} else {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), placeholders)
	if s.dialect == DialectMySQL {
		q += " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	} else {
		q += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", cols[0], strings.Join(sets, ", "))
	}
	return s.rebind(q)
}

// Save writes message metadata
func (s *SQLStore) Save(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.upsert("queue_meta", "id", "seq", "meta"), msg.ID, int64(msg.Seq), string(data)); err != nil {
		return fmt.Errorf("failed to save message %s: %w", msg.ID, err)
	}
	return nil
}

// Load reads message metadata
func (s *SQLStore) Load(ctx context.Context, id string) (*Message, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT meta FROM queue_meta WHERE id = ?"), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message %s: %w", id, err)
	}
	var msg Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &msg, nil
}

// Delete removes message metadata
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM queue_meta WHERE id = ?"), id); err != nil {
		return fmt.Errorf("failed to delete message %s: %w", id, err)
	}
	return nil
}

// List returns every stored message ordered by enqueue sequence
func (s *SQLStore) List(ctx context.Context) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT meta FROM queue_meta ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		var msg Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			continue // Skip rows that can't be unmarshaled
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	return messages, nil
}

// SaveBody saves message content data
func (s *SQLStore) SaveBody(ctx context.Context, id string, body []byte) error {
	if _, err := s.db.ExecContext(ctx, s.upsert("queue_bodies", "id", "body"), id, body); err != nil {
		return fmt.Errorf("failed to save body %s: %w", id, err)
	}
	return nil
}

// LoadBody loads message content data
func (s *SQLStore) LoadBody(ctx context.Context, id string) ([]byte, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT body FROM queue_bodies WHERE id = ?"), id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load body %s: %w", id, err)
	}
	return body, nil
}

// DeleteBody removes message content data
func (s *SQLStore) DeleteBody(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM queue_bodies WHERE id = ?"), id); err != nil {
		return fmt.Errorf("failed to delete body %s: %w", id, err)
	}
	return nil
}
