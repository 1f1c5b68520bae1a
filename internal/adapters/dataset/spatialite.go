package dataset

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/encoding/wkt"

	"github.com/jobrunner/geoingest/internal/domain"
	"github.com/jobrunner/geoingest/internal/ports/output"
)

// Geometry encodings found in geometry_columns.
const (
	formatWKB        = "WKB"
	formatWKT        = "WKT"
	formatSpatiaLite = "SPATIALITE"
)

// geometryTable describes the first geometry table of a spatial sqlite file.
type geometryTable struct {
	Name   string
	Column string
	SRID   int
	Format string
	PK     string
}

// sqliteDataset reads the first geometry table of an OGR-style or
// SpatiaLite database. The file is opened read-only.
type sqliteDataset struct {
	path  string
	db    *sql.DB
	table geometryTable
	rows  *sql.Rows
	cols  []string
	row   output.Row
	index int
	err   error
}

// readOnlyURI builds a read-only sqlite URI for path. Uploaded file names
// may contain '?', '#' or '%', which must be escaped to stay part of the
// path.
func readOnlyURI(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs), RawQuery: "mode=ro"}
	return u.String(), nil
}

func openSpatialSQLite(ctx context.Context, path string) (*sqliteDataset, error) {
	fail := func(err error) error {
		return &domain.DatasetError{Path: filepath.Base(path), Op: "open", Err: err}
	}

	dsn, err := readOnlyURI(path)
	if err != nil {
		return nil, fail(err)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fail(err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fail(err)
	}

	table, err := readGeometryTable(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, fail(err)
	}

	query := fmt.Sprintf(`SELECT * FROM %s`, quoteIdent(table.Name)) //#nosec G201 -- table name read from geometry_columns
	if table.PK != "" {
		query += " ORDER BY " + quoteIdent(table.PK)
	}
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		_ = db.Close()
		return nil, fail(err)
	}
	cols, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		_ = db.Close()
		return nil, fail(err)
	}

	return &sqliteDataset{path: path, db: db, table: table, rows: rows, cols: cols, index: -1}, nil
}

// readGeometryTable detects the container dialect from the shape of
// geometry_columns and returns its first entry.
func readGeometryTable(ctx context.Context, db *sql.DB) (geometryTable, error) {
	cols, err := tableColumns(ctx, db, "geometry_columns")
	if err != nil {
		return geometryTable{}, err
	}
	if len(cols) == 0 {
		return geometryTable{}, errors.New("no geometry_columns table, not a spatial sqlite file")
	}

	var t geometryTable
	if _, ok := cols["geometry_format"]; ok {
		err = db.QueryRowContext(ctx, `
			SELECT f_table_name, f_geometry_column, COALESCE(srid, 0), UPPER(COALESCE(geometry_format, 'WKB'))
			FROM geometry_columns ORDER BY f_table_name LIMIT 1`,
		).Scan(&t.Name, &t.Column, &t.SRID, &t.Format)
	} else {
		t.Format = formatSpatiaLite
		err = db.QueryRowContext(ctx, `
			SELECT f_table_name, f_geometry_column, COALESCE(srid, 0)
			FROM geometry_columns ORDER BY f_table_name LIMIT 1`,
		).Scan(&t.Name, &t.Column, &t.SRID)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return geometryTable{}, errors.New("geometry_columns lists no tables")
	}
	if err != nil {
		return geometryTable{}, fmt.Errorf("reading geometry_columns: %w", err)
	}

	switch t.Format {
	case formatWKB, formatWKT, formatSpatiaLite:
	default:
		return geometryTable{}, fmt.Errorf("geometry format %q: %w", t.Format, domain.ErrUnsupported)
	}

	tableCols, err := tableColumns(ctx, db, t.Name)
	if err != nil {
		return geometryTable{}, err
	}
	for name, pk := range tableCols {
		if pk && !strings.EqualFold(name, t.Column) {
			t.PK = name
		}
	}
	return t, nil
}

// tableColumns maps column names to whether they are part of the primary key.
func tableColumns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table))) //#nosec G201
	if err != nil {
		return nil, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     sql.NullString
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[strings.ToLower(name)] = pk > 0
	}
	return cols, rows.Err()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// CRS implements output.Dataset.
func (d *sqliteDataset) CRS() (domain.CRSInfo, error) {
	srid := d.table.SRID
	if srid <= 0 {
		return domain.NoCRS(), nil
	}

	rows, err := d.db.Query(`SELECT * FROM spatial_ref_sys WHERE srid = ?`, srid)
	if err != nil {
		// No spatial_ref_sys: the srid is all we know.
		return domain.UnresolvedCRS("SRID:" + strconv.Itoa(srid)), nil //nolint:nilerr // srid still identifies the CRS
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return domain.CRSInfo{}, &domain.DatasetError{Path: filepath.Base(d.path), Op: "crs", Err: err}
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return domain.CRSInfo{}, &domain.DatasetError{Path: filepath.Base(d.path), Op: "crs", Err: err}
		}
		return domain.UnresolvedCRS("SRID:" + strconv.Itoa(srid)), nil
	}

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return domain.CRSInfo{}, &domain.DatasetError{Path: filepath.Base(d.path), Op: "crs", Err: err}
	}
	ref := make(map[string]string, len(cols))
	for i, c := range cols {
		if values[i] != nil {
			ref[strings.ToLower(c)] = sqlText(values[i])
		}
	}

	name := ref["ref_sys_name"]
	if name == "" && ref["srtext"] != "" {
		if info, err := crsFromWKT(ref["srtext"]); err == nil {
			name = info.Name
		}
	}

	auth, code := strings.ToUpper(ref["auth_name"]), ref["auth_srid"]
	if auth != "" && code != "" {
		crsCode := auth + ":" + code
		if name == "" {
			name, _ = domain.LookupCRSName(crsCode)
		}
		if name == "" {
			name = crsCode
		}
		return domain.KnownCRS(crsCode, name), nil
	}
	if name == "" {
		name = "SRID:" + strconv.Itoa(srid)
	}
	return domain.UnresolvedCRS(name), nil
}

// Next implements output.Dataset.
func (d *sqliteDataset) Next() bool {
	if d.err != nil || !d.rows.Next() {
		if d.err == nil {
			d.err = d.rows.Err()
		}
		return false
	}
	d.index++

	values := make([]any, len(d.cols))
	ptrs := make([]any, len(d.cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := d.rows.Scan(ptrs...); err != nil {
		d.err = &domain.DatasetError{Path: filepath.Base(d.path), Op: "read", Err: err}
		return false
	}

	d.row = output.Row{Index: d.index}
	for i, col := range d.cols {
		switch {
		case strings.EqualFold(col, d.table.Column):
			d.row.Geometry, d.row.GeometryErr = d.decodeGeometry(values[i])
		case strings.EqualFold(col, d.table.PK):
		default:
			d.row.Attributes = append(d.row.Attributes, output.Attribute{Name: col, Value: sqlValue(values[i])})
		}
	}
	return true
}

// Row implements output.Dataset.
func (d *sqliteDataset) Row() output.Row { return d.row }

// Err implements output.Dataset.
func (d *sqliteDataset) Err() error {
	if d.err != nil && !errors.As(d.err, new(*domain.DatasetError)) {
		return &domain.DatasetError{Path: filepath.Base(d.path), Op: "read", Err: d.err}
	}
	return d.err
}

// Close implements output.Dataset.
func (d *sqliteDataset) Close() error {
	_ = d.rows.Close()
	return d.db.Close()
}

func (d *sqliteDataset) decodeGeometry(v any) (orb.Geometry, error) {
	if v == nil {
		return nil, nil
	}
	switch d.table.Format {
	case formatWKT:
		g, err := wkt.Unmarshal(sqlText(v))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrRowDecode, err)
		}
		return g, nil
	case formatWKB:
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: WKB column holds %T", domain.ErrRowDecode, v)
		}
		g, err := wkb.Unmarshal(b)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrRowDecode, err)
		}
		return g, nil
	default:
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: SpatiaLite column holds %T", domain.ErrRowDecode, v)
		}
		g, err := decodeSpatiaLiteBlob(b)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrRowDecode, err)
		}
		return g, nil
	}
}

func sqlText(v any) string {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func sqlValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// SpatiaLite blob layout: 0x00, endian flag, srid (int32), MBR (4 doubles),
// 0x7C, class (int32), body, 0xFE. Collection entities are prefixed with
// 0x69 and carry no endian byte of their own.
const (
	slStart     = 0x00
	slMBREnd    = 0x7C
	slEntity    = 0x69
	slEnd       = 0xFE
	slHeaderLen = 43
)

type slReader struct {
	buf   []byte
	pos   int
	order binary.ByteOrder
}

func decodeSpatiaLiteBlob(b []byte) (orb.Geometry, error) {
	if len(b) < slHeaderLen+1 || b[0] != slStart || b[38] != slMBREnd || b[len(b)-1] != slEnd {
		return nil, errors.New("not a SpatiaLite geometry blob")
	}
	r := &slReader{buf: b[:len(b)-1], pos: 39}
	switch b[1] {
	case 0x01:
		r.order = binary.LittleEndian
	case 0x00:
		r.order = binary.BigEndian
	default:
		return nil, fmt.Errorf("bad endian flag %#x", b[1])
	}
	class, err := r.uint32()
	if err != nil {
		return nil, err
	}
	g, err := r.geometry(class)
	if err != nil {
		return nil, err
	}
	if r.pos != len(r.buf) {
		return nil, fmt.Errorf("%d trailing bytes", len(r.buf)-r.pos)
	}
	return g, nil
}

func (r *slReader) uint32() (uint32, error) {
	if r.pos+4 > len(r.buf) {
		return 0, errors.New("truncated blob")
	}
	v := r.order.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *slReader) float() (float64, error) {
	if r.pos+8 > len(r.buf) {
		return 0, errors.New("truncated blob")
	}
	v := math.Float64frombits(r.order.Uint64(r.buf[r.pos:]))
	r.pos += 8
	return v, nil
}

// point reads one vertex and drops any Z/M ordinates.
func (r *slReader) point(dims int) (orb.Point, error) {
	var p orb.Point
	for i := 0; i < dims; i++ {
		v, err := r.float()
		if err != nil {
			return p, err
		}
		if i < 2 {
			p[i] = v
		}
	}
	return p, nil
}

func (r *slReader) points(dims int) ([]orb.Point, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if int(n) > (len(r.buf)-r.pos)/(8*dims) {
		return nil, errors.New("vertex count exceeds blob size")
	}
	pts := make([]orb.Point, n)
	for i := range pts {
		if pts[i], err = r.point(dims); err != nil {
			return nil, err
		}
	}
	return pts, nil
}

func (r *slReader) polygon(dims int) (orb.Polygon, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	poly := make(orb.Polygon, 0, n)
	for i := uint32(0); i < n; i++ {
		pts, err := r.points(dims)
		if err != nil {
			return nil, err
		}
		poly = append(poly, orb.Ring(pts))
	}
	return poly, nil
}

func (r *slReader) entity() (orb.Geometry, error) {
	if r.pos >= len(r.buf) || r.buf[r.pos] != slEntity {
		return nil, errors.New("missing collection entity marker")
	}
	r.pos++
	class, err := r.uint32()
	if err != nil {
		return nil, err
	}
	return r.geometry(class)
}

func (r *slReader) geometry(class uint32) (orb.Geometry, error) {
	dims := 2
	switch class / 1000 {
	case 0:
	case 1, 2:
		dims = 3
	case 3:
		dims = 4
	default:
		return nil, fmt.Errorf("unsupported geometry class %d", class)
	}

	switch class % 1000 {
	case 1:
		return r.point(dims)
	case 2:
		pts, err := r.points(dims)
		return orb.LineString(pts), err
	case 3:
		return r.polygon(dims)
	case 4, 5, 6, 7:
		n, err := r.uint32()
		if err != nil {
			return nil, err
		}
		parts := make([]orb.Geometry, 0, n)
		for i := uint32(0); i < n; i++ {
			g, err := r.entity()
			if err != nil {
				return nil, err
			}
			parts = append(parts, g)
		}
		return collect(class%1000, parts)
	default:
		return nil, fmt.Errorf("unsupported geometry class %d", class)
	}
}

func collect(kind uint32, parts []orb.Geometry) (orb.Geometry, error) {
	switch kind {
	case 4:
		mp := make(orb.MultiPoint, 0, len(parts))
		for _, g := range parts {
			p, ok := g.(orb.Point)
			if !ok {
				return nil, fmt.Errorf("multipoint member is %s", g.GeoJSONType())
			}
			mp = append(mp, p)
		}
		return mp, nil
	case 5:
		mls := make(orb.MultiLineString, 0, len(parts))
		for _, g := range parts {
			ls, ok := g.(orb.LineString)
			if !ok {
				return nil, fmt.Errorf("multilinestring member is %s", g.GeoJSONType())
			}
			mls = append(mls, ls)
		}
		return mls, nil
	case 6:
		mpoly := make(orb.MultiPolygon, 0, len(parts))
		for _, g := range parts {
			p, ok := g.(orb.Polygon)
			if !ok {
				return nil, fmt.Errorf("multipolygon member is %s", g.GeoJSONType())
			}
			mpoly = append(mpoly, p)
		}
		return mpoly, nil
	default:
		return orb.Collection(parts), nil
	}
}
