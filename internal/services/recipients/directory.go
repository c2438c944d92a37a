package recipients

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// Static is a fixed, replaceable profile list.
type Static struct {
	mu  sync.RWMutex
	ids []string
}

func NewStatic(ids ...string) *Static {
	return &Static{ids: append([]string(nil), ids...)}
}

func (s *Static) ListProfiles(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.ids...), nil
}

// Set replaces the list (config reload).
func (s *Static) Set(ids []string) {
	s.mu.Lock()
	s.ids = append([]string(nil), ids...)
	s.mu.Unlock()
}

const DefaultQuery = `SELECT id FROM profiles`

// SQL lists profiles with a single-column query.
type SQL struct {
	db    *sql.DB
	query string
}

// NewSQL wraps an open database. query must select one text column.
func NewSQL(db *sql.DB, query string) *SQL {
	if strings.TrimSpace(query) == "" {
		query = DefaultQuery
	}
	return &SQL{db: db, query: query}
}

// OpenPostgres connects to the profile database through lib/pq.
func OpenPostgres(ctx context.Context, dsn, query string) (*SQL, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("directory dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewSQL(db, query), nil
}

func (d *SQL) ListProfiles(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, d.query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (d *SQL) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}
