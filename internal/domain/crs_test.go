package domain

import (
	"errors"
	"testing"
)

func TestParseCRS(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    CRS
		wantErr bool
	}{
		{"epsg pair", "EPSG:4326", EPSG(4326), false},
		{"lower case authority", "epsg:3857", EPSG(3857), false},
		{"bare code", "26916", EPSG(26916), false},
		{"spaces", "  EPSG : 2272 ", EPSG(2272), false},
		{"other authority", "ESRI:102100", CRS{Authority: "ESRI", Code: 102100}, false},
		{"empty", "", CRS{}, true},
		{"missing code", "EPSG:", CRS{}, true},
		{"non numeric", "EPSG:abc", CRS{}, true},
		{"negative", "EPSG:-1", CRS{}, true},
		{"missing authority", ":4326", CRS{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCRS(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseCRS(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrInvalidInput) {
					t.Errorf("ParseCRS(%q) error should wrap ErrInvalidInput", tt.in)
				}
				return
			}
			if !got.Equal(tt.want) {
				t.Errorf("ParseCRS(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestCRSString(t *testing.T) {
	if got := EPSG(4326).String(); got != "EPSG:4326" {
		t.Errorf("String() = %q, want EPSG:4326", got)
	}
}

func TestCRSInfo(t *testing.T) {
	if _, ok := NoCRS().Resolved(); ok {
		t.Error("NoCRS().Resolved() should be false")
	}
	if NoCRS().HasCRS {
		t.Error("NoCRS().HasCRS should be false")
	}

	info := KnownCRS("EPSG:4326", "WGS 84")
	code, ok := info.Resolved()
	if !ok || code != "EPSG:4326" || !info.HasCRS {
		t.Errorf("KnownCRS resolved = %q, %v", code, ok)
	}

	un := UnresolvedCRS("Custom_Lambert")
	if !un.HasCRS || un.Code != nil || un.Name != "Custom_Lambert" {
		t.Errorf("UnresolvedCRS = %+v", un)
	}
}

func TestCommonCRSOptions(t *testing.T) {
	opts, err := CommonCRSOptions()
	if err != nil {
		t.Fatalf("CommonCRSOptions() error = %v", err)
	}
	if len(opts) != 14 {
		t.Fatalf("CommonCRSOptions() len = %d, want 14", len(opts))
	}
	if opts[0].Code != "EPSG:4326" || opts[0].Name != "WGS 84" {
		t.Errorf("first option = %+v", opts[0])
	}
	for _, o := range opts {
		if _, err := ParseCRS(o.Code); err != nil {
			t.Errorf("option %q does not parse: %v", o.Code, err)
		}
		if o.Description == "" {
			t.Errorf("option %q has no description", o.Code)
		}
	}

	// callers get a copy
	opts[0].Name = "changed"
	again, _ := CommonCRSOptions()
	if again[0].Name != "WGS 84" {
		t.Error("CommonCRSOptions() returned shared slice")
	}

	if name, ok := LookupCRSName("EPSG:3857"); !ok || name != "Web Mercator" {
		t.Errorf("LookupCRSName(EPSG:3857) = %q, %v", name, ok)
	}
}
