package domain

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed crs_options.yaml
var crsOptionsYAML []byte

// CRSOption is one entry of the CRS choice list offered to uploaders.
type CRSOption struct {
	Code        string `yaml:"code" json:"code"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
}

var (
	crsOptions     []CRSOption
	crsOptionsOnce sync.Once
	crsOptionsErr  error
)

// CommonCRSOptions returns the static list of common CRS choices.
// The embedded YAML is parsed on first access and cached.
func CommonCRSOptions() ([]CRSOption, error) {
	crsOptionsOnce.Do(func() {
		var opts []CRSOption
		if err := yaml.Unmarshal(crsOptionsYAML, &opts); err != nil {
			crsOptionsErr = fmt.Errorf("parsing crs options: %w", err)
			return
		}
		crsOptions = opts
	})
	if crsOptionsErr != nil {
		return nil, crsOptionsErr
	}
	out := make([]CRSOption, len(crsOptions))
	copy(out, crsOptions)
	return out, nil
}

// LookupCRSName returns the display name of a code from the common list.
func LookupCRSName(code string) (string, bool) {
	opts, err := CommonCRSOptions()
	if err != nil {
		return "", false
	}
	for _, o := range opts {
		if o.Code == code {
			return o.Name, true
		}
	}
	return "", false
}
