package dataset

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jobrunner/geoingest/internal/domain"
)

var (
	wktHeadRe  = regexp.MustCompile(`^\s*([A-Z]+)\s*\[\s*"([^"]*)"`)
	utmNameRe  = regexp.MustCompile(`^(wgs_1984|wgs_84|nad_1983|nad83)_utm_zone_(\d{1,2})([ns])$`)
	authTermRe = regexp.MustCompile(`^(AUTHORITY|ID)\s*\[\s*"([^"]+)"\s*,\s*"?(\d+)"?`)
)

// Names without an authority clause that still denote an EPSG code.
var wellKnownCRSNames = map[string]int{
	"gcs_wgs_1984":                           4326,
	"wgs_84":                                 4326,
	"wgs84":                                  4326,
	"wgs_1984":                               4326,
	"gcs_north_american_1983":                4269,
	"nad83":                                  4269,
	"wgs_1984_web_mercator_auxiliary_sphere": 3857,
	"wgs_84_pseudo_mercator":                 3857,
	"wgs_1984_web_mercator":                  3857,
}

// crsFromWKT resolves the CRS declared by a WKT string such as the
// content of a .prj file.
func crsFromWKT(wkt string) (domain.CRSInfo, error) {
	wkt = strings.TrimSpace(strings.TrimPrefix(wkt, "\ufeff"))
	if wkt == "" {
		return domain.NoCRS(), nil
	}

	m := wktHeadRe.FindStringSubmatch(wkt)
	if m == nil {
		return domain.CRSInfo{}, fmt.Errorf("not a WKT coordinate system: %.40q", wkt)
	}
	name := m[2]

	if auth, code, ok := topLevelAuthority(wkt); ok && strings.EqualFold(auth, "EPSG") {
		return resolved(code, name), nil
	}
	if code, ok := codeForName(name); ok {
		return resolved(code, name), nil
	}
	if name == "" {
		return domain.UnresolvedCRS(wkt), nil
	}
	return domain.UnresolvedCRS(name), nil
}

func resolved(code int, fallbackName string) domain.CRSInfo {
	c := domain.EPSG(code).String()
	if n, ok := domain.LookupCRSName(c); ok {
		return domain.KnownCRS(c, n)
	}
	return domain.KnownCRS(c, fallbackName)
}

// topLevelAuthority returns the AUTHORITY or ID clause that belongs to
// the outermost coordinate system, ignoring those of nested datums,
// ellipsoids and units.
func topLevelAuthority(wkt string) (string, int, bool) {
	depth := 0
	inQuote := false
	for i := 0; i < len(wkt); i++ {
		switch c := wkt[i]; {
		case c == '"':
			inQuote = !inQuote
		case inQuote:
		case c == '[' || c == '(':
			depth++
		case c == ']' || c == ')':
			depth--
		case depth == 1 && (c == 'A' || c == 'I'):
			if i > 0 && isIdentChar(wkt[i-1]) {
				continue
			}
			m := authTermRe.FindStringSubmatch(wkt[i:])
			if m == nil {
				continue
			}
			code, err := strconv.Atoi(m[3])
			if err != nil {
				continue
			}
			return m[2], code, true
		}
	}
	return "", 0, false
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

func codeForName(name string) (int, bool) {
	key := normalizeCRSName(name)
	if code, ok := wellKnownCRSNames[key]; ok {
		return code, true
	}

	m := utmNameRe.FindStringSubmatch(key)
	if m == nil {
		return 0, false
	}
	zone, _ := strconv.Atoi(m[2])
	if zone < 1 || zone > 60 {
		return 0, false
	}
	switch {
	case strings.HasPrefix(m[1], "wgs") && m[3] == "n":
		return 32600 + zone, true
	case strings.HasPrefix(m[1], "wgs"):
		return 32700 + zone, true
	case m[3] == "n" && zone <= 23:
		return 26900 + zone, true
	}
	return 0, false
}

// normalizeCRSName lower-cases and folds separators so that ESRI and
// EPSG spellings compare equal.
func normalizeCRSName(name string) string {
	var b strings.Builder
	lastSep := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastSep = false
			continue
		}
		if !lastSep && b.Len() > 0 {
			b.WriteByte('_')
			lastSep = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
