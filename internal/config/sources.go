package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed sources.yaml
var defaultSources []byte

// ErrDuplicateChemical is returned when the fenceline chemical table maps the
// same chemical or the same page element twice.
var ErrDuplicateChemical = errors.New("duplicate chemical mapping")

// Sources describes every upstream the connectors read from.
type Sources struct {
	Insight   map[string]InsightSource `yaml:"insight" validate:"dive"`
	Fenceline FencelineSource          `yaml:"fenceline_rodeo"`
	PurpleAir PurpleAirSource          `yaml:"purpleair"`
}

// InsightSource is one refinery monitoring site served by the Insight API.
type InsightSource struct {
	Product          string      `yaml:"product" validate:"required"`
	BaseURL          string      `yaml:"base_url" validate:"required,url"`
	Origin           string      `yaml:"origin"`
	Referer          string      `yaml:"referer"`
	SiteIDs          []int       `yaml:"site_ids" validate:"required,min=1"`
	ParameterBatches [][]int     `yaml:"parameter_batches" validate:"required,min=1,dive,min=1"`
	DurationID       int         `yaml:"duration_id"`
	Wind             InsightWind `yaml:"wind"`
}

// InsightWind configures the wind query of an Insight site.
type InsightWind struct {
	SiteIDs          []int         `yaml:"site_ids" validate:"required,min=1"`
	Parameters       []int         `yaml:"parameters" validate:"required,min=1"`
	DurationID       int           `yaml:"duration_id"`
	RequestType      string        `yaml:"request_type" validate:"required"`
	Offset           time.Duration `yaml:"offset"`
	POCs             []int         `yaml:"pocs"`
	ValidDataOnly    bool          `yaml:"valid_data_only"`
	OverwriteOpCodes []int         `yaml:"overwrite_op_codes"`
	GovernBy         string        `yaml:"govern_by" validate:"oneof=Wind_Speed_MPH Wind_Speed_MS"`
}

// FencelineSource describes the Rodeo fenceline monitoring page.
type FencelineSource struct {
	Product   string          `yaml:"product" validate:"required"`
	URL       string          `yaml:"url" validate:"required,url"`
	Origin    string          `yaml:"origin"`
	Referer   string          `yaml:"referer"`
	Timezone  string          `yaml:"timezone" validate:"required"`
	North     FencelineSite   `yaml:"north"`
	South     FencelineSite   `yaml:"south"`
	Chemicals []ChemicalEntry `yaml:"chemicals" validate:"required,min=1,dive"`
}

// FencelineSite is one monitored fence line.
type FencelineSite struct {
	ID   string  `yaml:"id" validate:"required"`
	Name string  `yaml:"name" validate:"required"`
	Lat  float64 `yaml:"lat"`
	Lon  float64 `yaml:"lon"`
}

// ChemicalEntry maps a chemical to the page element holding its value.
// Element contains one %s placeholder for the site letter ("n" or "s").
type ChemicalEntry struct {
	Name    string `yaml:"name" validate:"required"`
	Element string `yaml:"element" validate:"required,contains=%s"`
	System  string `yaml:"system" validate:"oneof=FTIR UV TDL"`
}

// PurpleAirSource lists PurpleAir device ids per area.
type PurpleAirSource struct {
	Product string           `yaml:"product" validate:"required"`
	BaseURL string           `yaml:"base_url" validate:"required,url"`
	Groups  map[string][]int `yaml:"groups" validate:"required,min=1"`
}

// LoadSources reads source definitions from path, or the embedded defaults
// when path is empty.
func LoadSources(path string) (*Sources, error) {
	data := defaultSources
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read sources file: %w", err)
		}
		data = b
	}
	return ParseSources(data)
}

// ParseSources decodes and validates a sources document.
func ParseSources(data []byte) (*Sources, error) {
	var s Sources
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode sources: %w", err)
	}
	if err := validator.New().Struct(s); err != nil {
		return nil, fmt.Errorf("invalid sources: %w", err)
	}
	if err := checkChemicals(s.Fenceline.Chemicals); err != nil {
		return nil, err
	}
	return &s, nil
}

func checkChemicals(entries []ChemicalEntry) error {
	names := make(map[string]bool, len(entries))
	elements := make(map[string]bool, len(entries))
	for _, e := range entries {
		if names[e.Name] {
			return fmt.Errorf("%w: chemical %q listed twice", ErrDuplicateChemical, e.Name)
		}
		if elements[e.Element] {
			return fmt.Errorf("%w: element %q listed twice", ErrDuplicateChemical, e.Element)
		}
		names[e.Name] = true
		elements[e.Element] = true
	}
	return nil
}
