// Package snapshot persists coordinator state to SQLite and saves it
// periodically behind a circuit breaker.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/graphfusion/internal/coordinator"
	"github.com/fyrsmithlabs/graphfusion/internal/graph"
	"github.com/fyrsmithlabs/graphfusion/internal/memory"
)

// Store saves and loads full coordinator state.
type Store interface {
	Save(ctx context.Context, st coordinator.State) error
	// Load returns false when nothing has been saved yet.
	Load(ctx context.Context) (coordinator.State, bool, error)
	Close() error
}

// SQLiteStore keeps one snapshot in a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// OpenSQLite opens or creates the snapshot database at path.
func OpenSQLite(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create snapshot dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping snapshot db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply snapshot schema: %w", err)
	}
	return &SQLiteStore{db: db, path: path, logger: logger}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save replaces the stored snapshot with st.
func (s *SQLiteStore) Save(ctx context.Context, st coordinator.State) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"edges", "nodes", "records", "meta"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	meta := map[string]string{
		"version":     strconv.Itoa(st.Version),
		"dimension":   strconv.Itoa(st.Dimension),
		"exported_at": strconv.FormatInt(unixNano(st.ExportedAt), 10),
	}
	for k, v := range meta {
		if _, err := tx.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("insert meta %s: %w", k, err)
		}
	}

	seq := make(map[string]int, len(st.IndexOrder))
	for i, id := range st.IndexOrder {
		seq[id] = i
	}
	for i, r := range st.Records {
		pos, ok := seq[r.ID]
		if !ok {
			pos = i
		}
		emb, err := json.Marshal(r.Embedding)
		if err != nil {
			return fmt.Errorf("encode embedding %s: %w", r.ID, err)
		}
		attrs, err := json.Marshal(r.Attributes.Map())
		if err != nil {
			return fmt.Errorf("encode attributes %s: %w", r.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO records (id, seq, label, embedding, attributes, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			r.ID, pos, r.Label, string(emb), string(attrs), unixNano(r.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert record %s: %w", r.ID, err)
		}
	}

	for _, n := range st.Nodes {
		md, err := json.Marshal(n.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata %s: %w", n.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO nodes (id, metadata, created_at) VALUES (?, ?, ?)`,
			n.ID, string(md), unixNano(n.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert node %s: %w", n.ID, err)
		}
	}

	for _, e := range st.Edges {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO edges (source, target, link_type, confidence, last_updated) VALUES (?, ?, ?, ?, ?)`,
			e.Source, e.Target, e.LinkType, e.Confidence, unixNano(e.LastUpdated),
		); err != nil {
			return fmt.Errorf("insert edge %s -[%s]-> %s: %w", e.Source, e.LinkType, e.Target, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("snapshot saved",
		zap.String("path", s.path),
		zap.Int("records", len(st.Records)),
		zap.Int("nodes", len(st.Nodes)),
		zap.Int("edges", len(st.Edges)),
	)
	return nil
}

// Load reads the stored snapshot.
func (s *SQLiteStore) Load(ctx context.Context) (coordinator.State, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return coordinator.State{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	meta, err := loadMeta(ctx, tx)
	if err != nil {
		return coordinator.State{}, false, err
	}
	if _, ok := meta["version"]; !ok {
		return coordinator.State{}, false, nil
	}

	var st coordinator.State
	if st.Version, err = strconv.Atoi(meta["version"]); err != nil {
		return coordinator.State{}, false, fmt.Errorf("parse version: %w", err)
	}
	if st.Dimension, err = strconv.Atoi(meta["dimension"]); err != nil {
		return coordinator.State{}, false, fmt.Errorf("parse dimension: %w", err)
	}
	exported, err := strconv.ParseInt(meta["exported_at"], 10, 64)
	if err != nil {
		return coordinator.State{}, false, fmt.Errorf("parse exported_at: %w", err)
	}
	st.ExportedAt = fromUnixNano(exported)

	if st.Records, st.IndexOrder, err = loadRecords(ctx, tx); err != nil {
		return coordinator.State{}, false, err
	}
	if st.Nodes, err = loadNodes(ctx, tx); err != nil {
		return coordinator.State{}, false, err
	}
	if st.Edges, err = loadEdges(ctx, tx); err != nil {
		return coordinator.State{}, false, err
	}
	return st, true, nil
}

func loadMeta(ctx context.Context, tx *sql.Tx) (map[string]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT key, value FROM meta`)
	if err != nil {
		return nil, fmt.Errorf("query meta: %w", err)
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan meta: %w", err)
		}
		meta[k] = v
	}
	return meta, rows.Err()
}

func loadRecords(ctx context.Context, tx *sql.Tx) ([]memory.Record, []string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, label, embedding, attributes, created_at FROM records ORDER BY seq`)
	if err != nil {
		return nil, nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var (
		records []memory.Record
		order   []string
	)
	for rows.Next() {
		var (
			r           memory.Record
			emb, attrs  string
			createdNano int64
		)
		if err := rows.Scan(&r.ID, &r.Label, &emb, &attrs, &createdNano); err != nil {
			return nil, nil, fmt.Errorf("scan record: %w", err)
		}
		if err := json.Unmarshal([]byte(emb), &r.Embedding); err != nil {
			return nil, nil, fmt.Errorf("decode embedding %s: %w", r.ID, err)
		}
		r.Attributes = memory.NewAttributes(nil)
		if err := json.Unmarshal([]byte(attrs), r.Attributes); err != nil {
			return nil, nil, fmt.Errorf("decode attributes %s: %w", r.ID, err)
		}
		r.CreatedAt = fromUnixNano(createdNano)
		records = append(records, r)
		order = append(order, r.ID)
	}
	return records, order, rows.Err()
}

func loadNodes(ctx context.Context, tx *sql.Tx) ([]graph.Node, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, metadata, created_at FROM nodes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []graph.Node
	for rows.Next() {
		var (
			n           graph.Node
			md          string
			createdNano int64
		)
		if err := rows.Scan(&n.ID, &md, &createdNano); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		if err := json.Unmarshal([]byte(md), &n.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata %s: %w", n.ID, err)
		}
		n.CreatedAt = fromUnixNano(createdNano)
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func loadEdges(ctx context.Context, tx *sql.Tx) ([]graph.Edge, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT source, target, link_type, confidence, last_updated FROM edges ORDER BY source, target, link_type`)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	var edges []graph.Edge
	for rows.Next() {
		var (
			e           graph.Edge
			updatedNano int64
		)
		if err := rows.Scan(&e.Source, &e.Target, &e.LinkType, &e.Confidence, &updatedNano); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		e.LastUpdated = fromUnixNano(updatedNano)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// ErrNoSnapshot is returned by Restore when the store is empty.
var ErrNoSnapshot = errors.New("no snapshot")

// Restore loads the stored snapshot into c.
func Restore(ctx context.Context, store Store, c *coordinator.Coordinator) error {
	st, ok, err := store.Load(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoSnapshot
	}
	return c.ImportState(ctx, st)
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
