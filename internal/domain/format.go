package domain

import (
	"path/filepath"
	"strings"
)

// FileType classifies an uploaded vector file.
type FileType string

// Supported file types.
const (
	FileTypeShapefile   FileType = "shapefile"
	FileTypeKML         FileType = "kml"
	FileTypeSpatialite  FileType = "sqlite"
	FileTypeUnsupported FileType = "unsupported"
)

// DetectFileType classifies a file by its name suffix.
func DetectFileType(fileName string) FileType {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".zip", ".shp":
		return FileTypeShapefile
	case ".kml":
		return FileTypeKML
	case ".sqlite":
		return FileTypeSpatialite
	default:
		return FileTypeUnsupported
	}
}

// ParseFileType parses a file type name as reported by the upload step.
func ParseFileType(s string) FileType {
	switch FileType(strings.ToLower(strings.TrimSpace(s))) {
	case FileTypeShapefile:
		return FileTypeShapefile
	case FileTypeKML:
		return FileTypeKML
	case FileTypeSpatialite:
		return FileTypeSpatialite
	default:
		return FileTypeUnsupported
	}
}

// IsSupported reports whether the type can be imported.
func (t FileType) IsSupported() bool {
	return t == FileTypeShapefile || t == FileTypeKML || t == FileTypeSpatialite
}

// IsArchive reports whether the file must be extracted before reading.
func IsArchive(fileName string) bool {
	return strings.EqualFold(filepath.Ext(fileName), ".zip")
}
