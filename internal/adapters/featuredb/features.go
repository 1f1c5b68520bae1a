package featuredb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"

	"github.com/jobrunner/geoingest/internal/domain"
	"github.com/jobrunner/geoingest/internal/ports/output"
)

const insertFeature = `
	INSERT INTO features (layer_id, feature_id, geometry, geometry_type, properties,
		bbox, minx, miny, maxx, maxy, created_at, seq, import_id)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const featureColumns = `id, layer_id, feature_id, geometry, properties, minx, miny, maxx, maxy, created_at`

// live restricts a features query to committed rows.
const live = `import_id IS NULL`

// importTx is one bulk import. Batches are written in short transactions
// as staged rows tagged with the import id; staged rows are invisible to
// every read until Commit publishes them. The database write lock is held
// only while a batch or the commit runs, so imports into other layers
// proceed in between.
type importTx struct {
	s       *Store
	id      string
	layerID int64
	seq     int64
	class   domain.GeometryClass
	done    bool
}

// BeginImport implements output.FeatureStore.
func (s *Store) BeginImport(ctx context.Context, layerID int64) (output.ImportTx, error) {
	t := &importTx{s: s, id: uuid.NewString(), layerID: layerID}
	err := s.inTx(ctx, "begin import", func(tx *sql.Tx) error {
		if err := layerExists(ctx, tx, layerID); err != nil {
			return err
		}
		// Leftovers of an import that died with its process.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM features WHERE layer_id = ? AND import_id IS NOT NULL`, layerID,
		); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM features WHERE layer_id = ?`, layerID,
		).Scan(&t.seq)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// InsertBatch implements output.ImportTx.
func (t *importTx) InsertBatch(ctx context.Context, features []domain.Feature) error {
	if t.done {
		return sql.ErrTxDone
	}
	seq := t.seq
	now := t.s.now().UTC()
	err := t.s.inTx(ctx, "insert batch", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, insertFeature)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		for i := range features {
			f := &features[i]
			f.LayerID = t.layerID
			if f.CreatedAt.IsZero() {
				f.CreatedAt = now
			}
			seq++
			args, err := featureArgs(f, seq, t.id)
			if err != nil {
				return err
			}
			res, err := stmt.ExecContext(ctx, args...)
			if err != nil {
				return fmt.Errorf("inserting feature %q: %w", f.FeatureID, err)
			}
			if id, err := res.LastInsertId(); err == nil {
				f.ID = id
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	t.seq = seq
	return nil
}

// SetGeometryClass implements output.ImportTx. The class is written by
// Commit together with the staged rows.
func (t *importTx) SetGeometryClass(_ context.Context, class domain.GeometryClass) error {
	t.class = class
	return nil
}

// Commit implements output.ImportTx.
func (t *importTx) Commit(ctx context.Context, now time.Time) (int64, error) {
	if t.done {
		return 0, sql.ErrTxDone
	}
	var count int64
	err := t.s.inTx(ctx, "commit import", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE features SET import_id = NULL WHERE layer_id = ? AND import_id = ?`,
			t.layerID, t.id,
		); err != nil {
			return fmt.Errorf("publishing staged features: %w", err)
		}
		if t.class != "" {
			if _, err := tx.ExecContext(ctx,
				`UPDATE layers SET geometry_class = ? WHERE id = ?`, string(t.class), t.layerID,
			); err != nil {
				return fmt.Errorf("setting geometry class: %w", err)
			}
		}
		var err error
		if count, err = refreshStats(ctx, tx, t.layerID, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE layers SET upload_status = ?, upload_error = '' WHERE id = ?`,
			string(domain.UploadComplete), t.layerID,
		); err != nil {
			return fmt.Errorf("marking layer complete: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	t.done = true
	return count, nil
}

// Rollback implements output.ImportTx. It removes the staged rows even
// when the import's context is already cancelled.
func (t *importTx) Rollback() error {
	if t.done {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	err := t.s.inTx(ctx, "rollback import", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM features WHERE import_id = ?`, t.id)
		return err
	})
	if err != nil {
		return err
	}
	t.done = true
	return nil
}

// CountFeatures implements output.FeatureStore.
func (s *Store) CountFeatures(ctx context.Context, layerID int64) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM features WHERE layer_id = ? AND `+live, layerID,
	).Scan(&n); err != nil {
		return 0, &domain.StorageError{Operation: "count features", Err: err}
	}
	return n, nil
}

// ListFeatures implements output.FeatureStore.
func (s *Store) ListFeatures(ctx context.Context, layerID int64, offset, limit int) ([]domain.Feature, error) {
	if limit < 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+featureColumns+` FROM features
		WHERE layer_id = ? AND `+live+`
		ORDER BY created_at, seq, id
		LIMIT ? OFFSET ?`, layerID, limit, offset)
	if err != nil {
		return nil, &domain.StorageError{Operation: "list features", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Feature
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, &domain.StorageError{Operation: "list features", Err: err}
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StorageError{Operation: "list features", Err: err}
	}
	return out, nil
}

// WalkFeatures implements output.FeatureStore.
func (s *Store) WalkFeatures(ctx context.Context, layerID int64, fn func(domain.Feature) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+featureColumns+` FROM features
		WHERE layer_id = ? AND `+live+`
		ORDER BY created_at, seq, id`, layerID)
	if err != nil {
		return &domain.StorageError{Operation: "walk features", Err: err}
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return &domain.StorageError{Operation: "walk features", Err: err}
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return &domain.StorageError{Operation: "walk features", Err: err}
	}
	return nil
}

// ClearLayer implements output.FeatureStore.
func (s *Store) ClearLayer(ctx context.Context, layerID int64) (int64, error) {
	var removed int64
	err := s.inTx(ctx, "clear layer", func(tx *sql.Tx) error {
		if err := layerExists(ctx, tx, layerID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM features WHERE layer_id = ? AND `+live, layerID)
		if err != nil {
			return err
		}
		if removed, err = res.RowsAffected(); err != nil {
			return err
		}
		_, err = refreshStats(ctx, tx, layerID, s.now().UTC())
		return err
	})
	return removed, err
}

// CreateFeature implements output.FeatureStore.
func (s *Store) CreateFeature(ctx context.Context, f *domain.Feature) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now().UTC()
	}
	return s.inTx(ctx, "create feature", func(tx *sql.Tx) error {
		if err := layerExists(ctx, tx, f.LayerID); err != nil {
			return err
		}
		var seq int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM features WHERE layer_id = ?`, f.LayerID,
		).Scan(&seq); err != nil {
			return err
		}
		args, err := featureArgs(f, seq, "")
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, insertFeature, args...)
		if err != nil {
			return err
		}
		if f.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		_, err = refreshStats(ctx, tx, f.LayerID, s.now().UTC())
		return err
	})
}

// DeleteFeature implements output.FeatureStore.
func (s *Store) DeleteFeature(ctx context.Context, layerID int64, featureID string) error {
	return s.inTx(ctx, "delete feature", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM features WHERE layer_id = ? AND feature_id = ? AND `+live, layerID, featureID)
		if err != nil {
			return err
		}
		if err := affected(res, domain.ErrFeatureNotFound); err != nil {
			return err
		}
		_, err = refreshStats(ctx, tx, layerID, s.now().UTC())
		return err
	})
}

// inTx runs fn in a transaction. Domain errors pass through unchanged;
// everything else is reported as a StorageError for op.
func (s *Store) inTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.StorageError{Operation: op, Err: err}
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidInput) {
			return err
		}
		return &domain.StorageError{Operation: op, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &domain.StorageError{Operation: op, Err: err}
	}
	return nil
}

// featureArgs builds the insert arguments. A non-empty importID stages
// the row.
func featureArgs(f *domain.Feature, seq int64, importID string) ([]any, error) {
	props, err := f.Properties.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encoding properties: %w", err)
	}

	var (
		geom, bbox             []byte
		minx, miny, maxx, maxy any
	)
	if f.Geometry != nil {
		if geom, err = wkb.Marshal(f.Geometry); err != nil {
			return nil, fmt.Errorf("encoding geometry: %w", err)
		}
		f.EnsureBBox()
	}
	if f.BBox != nil {
		if bbox, err = wkb.Marshal(domain.BBoxPolygon(*f.BBox)); err != nil {
			return nil, fmt.Errorf("encoding bbox: %w", err)
		}
		minx, miny, maxx, maxy = f.BBox.Min[0], f.BBox.Min[1], f.BBox.Max[0], f.BBox.Max[1]
	}

	var staged any
	if importID != "" {
		staged = importID
	}

	return []any{
		f.LayerID, f.FeatureID, geom, string(domain.TypeOf(f.Geometry)), string(props),
		bbox, minx, miny, maxx, maxy, nanos(f.CreatedAt), seq, staged,
	}, nil
}

func scanFeature(sc scanner) (domain.Feature, error) {
	var (
		f                      domain.Feature
		geom                   []byte
		props                  string
		minx, miny, maxx, maxy sql.NullFloat64
		created                sql.NullInt64
	)
	if err := sc.Scan(&f.ID, &f.LayerID, &f.FeatureID, &geom, &props,
		&minx, &miny, &maxx, &maxy, &created); err != nil {
		return f, err
	}
	if len(geom) > 0 {
		g, err := wkb.Unmarshal(geom)
		if err != nil {
			return f, fmt.Errorf("decoding geometry of %q: %w", f.FeatureID, err)
		}
		f.Geometry = g
	}
	if err := f.Properties.UnmarshalJSON([]byte(props)); err != nil {
		return f, fmt.Errorf("decoding properties of %q: %w", f.FeatureID, err)
	}
	if minx.Valid && miny.Valid && maxx.Valid && maxy.Valid {
		f.BBox = &orb.Bound{
			Min: orb.Point{minx.Float64, miny.Float64},
			Max: orb.Point{maxx.Float64, maxy.Float64},
		}
	}
	f.CreatedAt = fromNanos(created)
	return f, nil
}
