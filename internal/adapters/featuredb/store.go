// Package featuredb provides the sqlite-backed layer registry and feature
// store.
package featuredb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver

	"github.com/jobrunner/geoingest/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS layer_groups (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT    NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS layer_types (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	name          TEXT NOT NULL UNIQUE,
	default_style TEXT
);

CREATE TABLE IF NOT EXISTS layers (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	group_id           INTEGER NOT NULL REFERENCES layer_groups(id),
	name               TEXT    NOT NULL,
	description        TEXT    NOT NULL DEFAULT '',
	layer_type_id      INTEGER REFERENCES layer_types(id),
	geometry_class     TEXT    NOT NULL DEFAULT 'unknown',
	style              TEXT,
	is_visible         INTEGER NOT NULL DEFAULT 1,
	is_public          INTEGER NOT NULL DEFAULT 0,
	min_zoom           INTEGER NOT NULL DEFAULT 0,
	max_zoom           INTEGER NOT NULL DEFAULT 22,
	feature_count      INTEGER NOT NULL DEFAULT 0,
	last_data_update   INTEGER,
	upload_status      TEXT    NOT NULL DEFAULT 'pending',
	upload_error       TEXT    NOT NULL DEFAULT '',
	original_crs       TEXT    NOT NULL DEFAULT '',
	target_crs         TEXT    NOT NULL DEFAULT 'EPSG:4326',
	original_file_type TEXT    NOT NULL DEFAULT '',
	original_file_name TEXT    NOT NULL DEFAULT '',
	created_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS features (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	layer_id      INTEGER NOT NULL REFERENCES layers(id) ON DELETE CASCADE,
	feature_id    TEXT    NOT NULL,
	geometry      BLOB,
	geometry_type TEXT    NOT NULL,
	properties    TEXT    NOT NULL DEFAULT '{}',
	bbox          BLOB,
	minx          REAL,
	miny          REAL,
	maxx          REAL,
	maxy          REAL,
	created_at    INTEGER NOT NULL,
	seq           INTEGER NOT NULL DEFAULT 0,
	import_id     TEXT
);

CREATE INDEX IF NOT EXISTS idx_features_order ON features(layer_id, created_at, seq, id);
CREATE INDEX IF NOT EXISTS idx_features_fid ON features(layer_id, feature_id);
CREATE INDEX IF NOT EXISTS idx_features_bbox ON features(layer_id, minx, maxx, miny, maxy);
CREATE INDEX IF NOT EXISTS idx_features_import ON features(import_id) WHERE import_id IS NOT NULL;
`

// Store implements output.LayerRegistry and output.FeatureStore on one
// sqlite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex
}

// Open opens (creating if needed) the database at path and applies the
// schema. ":memory:" gives a private in-memory database.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=30000&_txlock=immediate", path)
	if path != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, &domain.StorageError{Operation: "open", Key: path, Err: err}
	}
	if path == ":memory:" {
		// Every connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, &domain.StorageError{Operation: "open", Key: path, Err: err}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, &domain.StorageError{Operation: "migrate", Key: path, Err: err}
	}

	logger.Info("feature database ready", "path", path)
	return &Store{
		db:     db,
		logger: logger,
		now:    time.Now,
		locks:  make(map[int64]*sync.Mutex),
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping implements output.FeatureStore.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

// LockLayer implements output.LayerRegistry. Writers of the same layer
// queue on one mutex; different layers never contend.
func (s *Store) LockLayer(id int64) func() {
	s.locksMu.Lock()
	mu, ok := s.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[id] = mu
	}
	s.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// refreshStats recomputes a layer's feature_count and bumps its
// last_data_update inside tx.
func refreshStats(ctx context.Context, tx *sql.Tx, layerID int64, now time.Time) (int64, error) {
	var count int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM features WHERE layer_id = ? AND `+live, layerID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting features: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE layers SET feature_count = ?, last_data_update = ? WHERE id = ?`,
		count, now.UnixNano(), layerID,
	); err != nil {
		return 0, fmt.Errorf("updating layer statistics: %w", err)
	}
	return count, nil
}

func layerExists(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, id int64) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM layers WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return domain.ErrLayerNotFound
	}
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n sql.NullInt64) time.Time {
	if !n.Valid || n.Int64 == 0 {
		return time.Time{}
	}
	return time.Unix(0, n.Int64).UTC()
}
