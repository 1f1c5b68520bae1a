// Package domain contains the core business entities and value objects.
package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Common SRID constants.
const (
	SRIDWGS84       = 4326 // WGS 84
	SRIDWebMercator = 3857 // Web Mercator
)

// DefaultTargetCRS is the canonical storage CRS.
const DefaultTargetCRS = "EPSG:4326"

// CRS identifies a coordinate reference system by authority and code.
type CRS struct {
	Authority string // Upper-case authority, e.g. EPSG
	Code      int    // Numeric code within the authority
}

// ParseCRS parses an authority:code pair such as "EPSG:4326".
// A bare integer is read as an EPSG code.
func ParseCRS(s string) (CRS, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return CRS{}, fmt.Errorf("empty crs: %w", ErrInvalidCRS)
	}

	auth, code, ok := strings.Cut(s, ":")
	if !ok {
		auth, code = "EPSG", s
	}
	auth = strings.ToUpper(strings.TrimSpace(auth))
	if auth == "" {
		return CRS{}, fmt.Errorf("missing authority in %q: %w", s, ErrInvalidCRS)
	}

	n, err := strconv.Atoi(strings.TrimSpace(code))
	if err != nil || n <= 0 {
		return CRS{}, fmt.Errorf("invalid code in %q: %w", s, ErrInvalidCRS)
	}
	return CRS{Authority: auth, Code: n}, nil
}

// String returns the authority:code form.
func (c CRS) String() string {
	return fmt.Sprintf("%s:%d", c.Authority, c.Code)
}

// IsEPSG reports whether the CRS belongs to the EPSG authority.
func (c CRS) IsEPSG() bool {
	return c.Authority == "EPSG"
}

// Equal reports whether both CRS name the same authority and code.
func (c CRS) Equal(o CRS) bool {
	return c.Authority == o.Authority && c.Code == o.Code
}

// EPSG builds an EPSG CRS from a numeric code.
func EPSG(code int) CRS {
	return CRS{Authority: "EPSG", Code: code}
}

// CRSInfo is the result of inspecting a dataset for its declared CRS.
type CRSInfo struct {
	HasCRS bool    // Dataset declares a CRS
	Code   *string // Authority:code when resolvable
	Name   string  // Canonical name or best textual descriptor
}

// NoCRS is returned for datasets without a declared CRS.
func NoCRS() CRSInfo {
	return CRSInfo{}
}

// KnownCRS builds a resolved CRSInfo.
func KnownCRS(code, name string) CRSInfo {
	return CRSInfo{HasCRS: true, Code: &code, Name: name}
}

// UnresolvedCRS builds a CRSInfo for a declared but unresolvable CRS.
func UnresolvedCRS(descriptor string) CRSInfo {
	return CRSInfo{HasCRS: true, Name: descriptor}
}

// Resolved returns the authority:code pair when present.
func (i CRSInfo) Resolved() (string, bool) {
	if i.Code == nil {
		return "", false
	}
	return *i.Code, true
}
