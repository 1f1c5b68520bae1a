// Package cache provides ChunkCache implementations.
package cache

import (
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/jobrunner/geoingest/internal/ports/output"
)

// KeyPrefix namespaces chunk entries in shared caches.
const KeyPrefix = "geoingest:chunk"

// Key renders a chunk key as a short string. The layer id stays readable
// so entries of one layer can be found by pattern; the rest is digested.
func Key(k output.ChunkKey) string {
	var buf []byte
	buf = strconv.AppendInt(buf, k.Version, 10)
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, int64(k.ChunkID), 10)
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, int64(k.Size), 10)
	return fmt.Sprintf("%s:%d:%016x", KeyPrefix, k.LayerID, xxhash.Sum64(buf))
}
