package domain

// Chunk sizes per geometry class.
const (
	PolygonChunkSize = 500
	LineChunkSize    = 2000
	PointChunkSize   = 10000
)

// ChunkSizeFor returns the chunk size for a geometry class. Points and
// unclassified layers use the largest chunks.
func ChunkSizeFor(c GeometryClass) int {
	switch c {
	case ClassPolygon:
		return PolygonChunkSize
	case ClassLine:
		return LineChunkSize
	default:
		return PointChunkSize
	}
}

// ChunkPlan is a resolved chunk request.
type ChunkPlan struct {
	ChunkID     int
	Size        int
	Offset      int
	TotalCount  int64
	TotalChunks int
}

// PlanChunk validates a chunk id and computes its slice of the layer.
func PlanChunk(class GeometryClass, total int64, chunkID int) (ChunkPlan, error) {
	if chunkID < 1 {
		return ChunkPlan{}, ErrInvalidChunk
	}
	size := ChunkSizeFor(class)
	return ChunkPlan{
		ChunkID:     chunkID,
		Size:        size,
		Offset:      (chunkID - 1) * size,
		TotalCount:  total,
		TotalChunks: TotalChunks(total, size),
	}, nil
}

// TotalChunks returns ceil(total/size).
func TotalChunks(total int64, size int) int {
	if total <= 0 || size <= 0 {
		return 0
	}
	return int((total + int64(size) - 1) / int64(size))
}

// HasNext reports whether a later chunk exists.
func (p ChunkPlan) HasNext() bool {
	return p.ChunkID < p.TotalChunks
}

// NextChunk returns the following chunk id, or 0 when this is the last.
func (p ChunkPlan) NextChunk() int {
	if !p.HasNext() {
		return 0
	}
	return p.ChunkID + 1
}
