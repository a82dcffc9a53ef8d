package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver
)

const sqlTimeout = 5 * time.Second

type dialect struct {
	driver  string
	blob    string
	bind    func(n int) string
	maxConn int
}

var (
	sqliteDialect = dialect{
		driver:  "sqlite",
		blob:    "BLOB",
		bind:    func(int) string { return "?" },
		maxConn: 1,
	}
	postgresDialect = dialect{
		driver: "postgres",
		blob:   "BYTEA",
		bind:   func(n int) string { return fmt.Sprintf("$%d", n) },
	}
)

// SQLBackend stores entries in a journal table of a SQL database.
type SQLBackend struct {
	db      *sql.DB
	dialect dialect
	insert  string
	query   string
}

// NewSQLiteBackend opens the SQLite database file at cfg.Path.
func NewSQLiteBackend(cfg *Config) (Backend, error) {
	return openSQL(sqliteDialect, cfg.Path)
}

// NewPostgresBackend connects to the PostgreSQL database named by the
// connection string in cfg.Path.
func NewPostgresBackend(cfg *Config) (Backend, error) {
	return openSQL(postgresDialect, cfg.Path)
}

func openSQL(d dialect, dsn string) (*SQLBackend, error) {
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", d.driver, err)
	}
	if d.maxConn > 0 {
		db.SetMaxOpenConns(d.maxConn)
	}

	ctx, cancel := context.WithTimeout(context.Background(), sqlTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", d.driver, err)
	}

	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS journal (
		idx     BIGINT PRIMARY KEY,
		sec     BIGINT NOT NULL,
		usec    BIGINT NOT NULL,
		origin  BIGINT NOT NULL,
		payload %s NOT NULL
	)`, d.blob)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal table: %w", err)
	}

	return &SQLBackend{
		db:      db,
		dialect: d,
		insert: fmt.Sprintf("INSERT INTO journal (idx, sec, usec, origin, payload) VALUES (%s, %s, %s, %s, %s)",
			d.bind(1), d.bind(2), d.bind(3), d.bind(4), d.bind(5)),
		query: fmt.Sprintf("SELECT idx, sec, usec, origin, payload FROM journal WHERE idx >= %s ORDER BY idx",
			d.bind(1)),
	}, nil
}

func (s *SQLBackend) Name() string {
	return s.dialect.driver
}

func (s *SQLBackend) Append(e Entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), sqlTimeout)
	defer cancel()

	payload := e.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err := s.db.ExecContext(ctx, s.insert,
		int64(e.Index), int64(e.Timestamp.Sec), int64(e.Timestamp.Usec), int64(e.Timestamp.Origin), payload)
	return err
}

func (s *SQLBackend) Iterate(from uint64, fn func(Entry) error) error {
	rows, err := s.db.Query(s.query, int64(from))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			index             int64
			sec, usec, origin int64
			payload           []byte
		)
		if err := rows.Scan(&index, &sec, &usec, &origin, &payload); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		e := Entry{Index: uint64(index), Payload: payload}
		e.Timestamp.Sec = uint32(sec)
		e.Timestamp.Usec = uint32(usec)
		e.Timestamp.Origin = uint32(origin)
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLBackend) Last() (uint64, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqlTimeout)
	defer cancel()

	var last sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(idx) FROM journal").Scan(&last); err != nil {
		return 0, false, err
	}
	if !last.Valid {
		return 0, false, nil
	}
	return uint64(last.Int64), true, nil
}

func (s *SQLBackend) Close() error {
	return s.db.Close()
}
