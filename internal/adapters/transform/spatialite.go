package transform

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mattn/go-sqlite3"
)

var (
	driversMu sync.Mutex
	drivers   = map[string]string{}
)

// spatialiteDriver registers (once per library) a sqlite3 driver that loads
// the SpatiaLite extension on every connection and returns its name.
func spatialiteDriver(library string) string {
	driversMu.Lock()
	defer driversMu.Unlock()

	if name, ok := drivers[library]; ok {
		return name
	}
	name := fmt.Sprintf("sqlite3_spatialite_%d", len(drivers))
	sql.Register(name, &sqlite3.SQLiteDriver{Extensions: []string{library}})
	drivers[library] = name
	return name
}

// findSpatiaLite returns the SpatiaLite module to load: the configured
// path, then SPATIALITE_LIBRARY_PATH, then the first platform location
// that exists, then the bare module name for the dynamic loader.
func findSpatiaLite(configured string) string {
	if configured != "" {
		return configured
	}
	if env := os.Getenv("SPATIALITE_LIBRARY_PATH"); env != "" {
		return env
	}

	candidates := []string{
		// Alpine
		"/usr/lib/mod_spatialite.so",
		"/usr/lib/mod_spatialite.so.8",
		// Debian/Ubuntu
		"/usr/lib/x86_64-linux-gnu/mod_spatialite.so",
		"/usr/lib/x86_64-linux-gnu/mod_spatialite.so.8",
		"/usr/lib/aarch64-linux-gnu/mod_spatialite.so",
		"/usr/lib/aarch64-linux-gnu/mod_spatialite.so.8",
		// Homebrew
		"/usr/local/lib/mod_spatialite.dylib",
		"/opt/homebrew/lib/mod_spatialite.dylib",
	}
	for _, c := range candidates {
		if _, err := os.Stat(filepath.Clean(c)); err == nil {
			return c
		}
	}
	return "mod_spatialite"
}
