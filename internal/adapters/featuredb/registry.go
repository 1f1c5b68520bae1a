package featuredb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jobrunner/geoingest/internal/domain"
)

const layerColumns = `id, group_id, name, description, layer_type_id, geometry_class, style,
	is_visible, is_public, min_zoom, max_zoom, feature_count, last_data_update,
	upload_status, upload_error, original_crs, target_crs, original_file_type,
	original_file_name, created_at`

// GetGroup implements output.LayerRegistry.
func (s *Store) GetGroup(ctx context.Context, id int64) (*domain.LayerGroup, error) {
	var (
		g       domain.LayerGroup
		created sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM layer_groups WHERE id = ?`, id,
	).Scan(&g.ID, &g.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrGroupNotFound
	}
	if err != nil {
		return nil, &domain.StorageError{Operation: "get group", Err: err}
	}
	g.CreatedAt = fromNanos(created)
	return &g, nil
}

// CreateGroup implements output.LayerRegistry.
func (s *Store) CreateGroup(ctx context.Context, name string) (*domain.LayerGroup, error) {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO layer_groups (name, created_at) VALUES (?, ?)`, name, nanos(now))
	if err != nil {
		return nil, &domain.StorageError{Operation: "create group", Err: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, &domain.StorageError{Operation: "create group", Err: err}
	}
	return &domain.LayerGroup{ID: id, Name: name, CreatedAt: now}, nil
}

// GetLayerType implements output.LayerRegistry.
func (s *Store) GetLayerType(ctx context.Context, id int64) (*domain.LayerType, error) {
	var (
		lt    domain.LayerType
		style sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, default_style FROM layer_types WHERE id = ?`, id,
	).Scan(&lt.ID, &lt.Name, &style)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrLayerTypeNotFound
	}
	if err != nil {
		return nil, &domain.StorageError{Operation: "get layer type", Err: err}
	}
	if style.Valid && style.String != "" {
		lt.DefaultStyle = json.RawMessage(style.String)
	}
	return &lt, nil
}

// CreateLayerType implements output.LayerRegistry.
func (s *Store) CreateLayerType(ctx context.Context, name string, style json.RawMessage) (*domain.LayerType, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO layer_types (name, default_style) VALUES (?, ?)`, name, nullJSON(style))
	if err != nil {
		return nil, &domain.StorageError{Operation: "create layer type", Err: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, &domain.StorageError{Operation: "create layer type", Err: err}
	}
	return &domain.LayerType{ID: id, Name: name, DefaultStyle: style}, nil
}

// CreateLayer implements output.LayerRegistry.
func (s *Store) CreateLayer(ctx context.Context, l *domain.Layer) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = s.now().UTC()
	}
	if l.GeometryClass == "" {
		l.GeometryClass = domain.ClassUnknown
	}
	if l.Status == "" {
		l.Status = domain.UploadPending
	}
	if l.TargetCRS == "" {
		l.TargetCRS = domain.DefaultTargetCRS
	}
	if l.MaxZoom == 0 {
		l.MaxZoom = 22
	}

	var lastUpdate any
	if !l.LastUpdate.IsZero() {
		lastUpdate = nanos(l.LastUpdate)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO layers (group_id, name, description, layer_type_id, geometry_class, style,
			is_visible, is_public, min_zoom, max_zoom, feature_count, last_data_update,
			upload_status, upload_error, original_crs, target_crs, original_file_type,
			original_file_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.GroupID, l.Name, l.Description, l.LayerTypeID, string(l.GeometryClass), nullJSON(l.Style),
		boolInt(l.IsVisible), boolInt(l.IsPublic), l.MinZoom, l.MaxZoom, lastUpdate,
		string(l.Status), l.UploadError, l.OriginalCRS, l.TargetCRS, string(l.FileType),
		l.FileName, nanos(l.CreatedAt),
	)
	if err != nil {
		return &domain.StorageError{Operation: "create layer", Key: l.Name, Err: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return &domain.StorageError{Operation: "create layer", Key: l.Name, Err: err}
	}
	l.ID = id
	l.FeatureCount = 0
	return nil
}

// GetLayer implements output.LayerRegistry.
func (s *Store) GetLayer(ctx context.Context, id int64) (*domain.Layer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+layerColumns+` FROM layers WHERE id = ?`, id)
	l, err := scanLayer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrLayerNotFound
	}
	if err != nil {
		return nil, &domain.StorageError{Operation: "get layer", Err: err}
	}
	return l, nil
}

// ListLayers implements output.LayerRegistry. A zero groupID lists all layers.
func (s *Store) ListLayers(ctx context.Context, groupID int64) ([]domain.Layer, error) {
	query := `SELECT ` + layerColumns + ` FROM layers`
	var args []any
	if groupID != 0 {
		query += ` WHERE group_id = ?`
		args = append(args, groupID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &domain.StorageError{Operation: "list layers", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var layers []domain.Layer
	for rows.Next() {
		l, err := scanLayer(rows)
		if err != nil {
			return nil, &domain.StorageError{Operation: "list layers", Err: err}
		}
		layers = append(layers, *l)
	}
	return layers, rows.Err()
}

// UpdateLayerStatus implements output.LayerRegistry.
func (s *Store) UpdateLayerStatus(ctx context.Context, id int64, status domain.UploadStatus, errText string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE layers SET upload_status = ?, upload_error = ? WHERE id = ?`,
		string(status), errText, id)
	if err != nil {
		return &domain.StorageError{Operation: "update layer status", Err: err}
	}
	return affected(res, domain.ErrLayerNotFound)
}

// SetGeometryClass implements output.LayerRegistry.
func (s *Store) SetGeometryClass(ctx context.Context, id int64, class domain.GeometryClass) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE layers SET geometry_class = ? WHERE id = ?`, string(class), id)
	if err != nil {
		return &domain.StorageError{Operation: "set geometry class", Err: err}
	}
	return affected(res, domain.ErrLayerNotFound)
}

type scanner interface {
	Scan(dest ...any) error
}

// SetOriginalCRS records the CRS the layer's source data was read in.
func (s *Store) SetOriginalCRS(ctx context.Context, id int64, crs string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE layers SET original_crs = ? WHERE id = ?`, crs, id)
	if err != nil {
		return &domain.StorageError{Operation: "set original crs", Err: err}
	}
	return affected(res, domain.ErrLayerNotFound)
}

func scanLayer(sc scanner) (*domain.Layer, error) {
	var (
		l                  domain.Layer
		layerType          sql.NullInt64
		class, status, ft  string
		style              sql.NullString
		visible, public    int
		lastUpdate, create sql.NullInt64
	)
	err := sc.Scan(
		&l.ID, &l.GroupID, &l.Name, &l.Description, &layerType, &class, &style,
		&visible, &public, &l.MinZoom, &l.MaxZoom, &l.FeatureCount, &lastUpdate,
		&status, &l.UploadError, &l.OriginalCRS, &l.TargetCRS, &ft,
		&l.FileName, &create,
	)
	if err != nil {
		return nil, err
	}
	if layerType.Valid {
		id := layerType.Int64
		l.LayerTypeID = &id
	}
	if style.Valid && style.String != "" {
		l.Style = json.RawMessage(style.String)
	}
	l.GeometryClass = domain.GeometryClass(class)
	l.Status = domain.UploadStatus(status)
	l.FileType = domain.FileType(ft)
	l.IsVisible = visible != 0
	l.IsPublic = public != 0
	l.LastUpdate = fromNanos(lastUpdate)
	l.CreatedAt = fromNanos(create)
	return &l, nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func affected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
