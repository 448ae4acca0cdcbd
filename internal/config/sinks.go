package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Recognized sink kinds in preset files and the API.
const (
	SinkCsv      = "csv"
	SinkPublish  = "publish"
	SinkHTTP     = "http"
	SinkPostgres = "postgres"
)

// SinkPreset declares one sink to attach at startup. The same shape is
// accepted by the runtime API for dynamic attachment.
type SinkPreset struct {
	ID       string `yaml:"id" json:"id"`
	Kind     string `yaml:"kind" json:"kind"`
	Capacity int    `yaml:"capacity" json:"capacity"`
	// Policy is one of drop_oldest, drop_newest, block_producer.
	Policy string `yaml:"policy" json:"policy"`

	// Kind-specific settings.
	Path  string   `yaml:"path" json:"path"`   // csv
	URL   string   `yaml:"url" json:"url"`     // http
	DSN   string   `yaml:"dsn" json:"dsn"`     // postgres
	Table string   `yaml:"table" json:"table"` // postgres
	Batch int      `yaml:"batch" json:"batch"` // http batch size
	Age   Duration `yaml:"age" json:"age"`     // http batch age
}

// Duration decodes "2s" style values from YAML and JSON, which neither
// codec does for time.Duration on its own.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(time.Duration(d).String())), nil
}

func (d *Duration) UnmarshalJSON(raw []byte) error {
	value, err := strconv.Unquote(string(raw))
	if err != nil {
		return fmt.Errorf("duration must be a string like \"2s\"")
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Validate checks the preset independent of runtime state.
func (p SinkPreset) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("sink preset missing id")
	}
	switch p.Kind {
	case SinkCsv:
		if p.Path == "" {
			return fmt.Errorf("sink %q: csv requires path", p.ID)
		}
	case SinkPublish:
	case SinkHTTP:
		if p.URL == "" {
			return fmt.Errorf("sink %q: http requires url", p.ID)
		}
	case SinkPostgres:
		if p.DSN == "" {
			return fmt.Errorf("sink %q: postgres requires dsn", p.ID)
		}
	default:
		return fmt.Errorf("sink %q: unknown kind %q", p.ID, p.Kind)
	}
	if p.Capacity < 0 {
		return fmt.Errorf("sink %q: capacity must be >= 0", p.ID)
	}
	return nil
}

type sinksFile struct {
	Sinks []SinkPreset `yaml:"sinks"`
}

// LoadSinkPresets reads the YAML preset file named by APP_SINKS_FILE.
// Duplicate IDs are rejected here so startup fails loudly instead of the
// bus refusing the second registration later.
func LoadSinkPresets(path string) ([]SinkPreset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sink presets: %w", err)
	}

	var file sinksFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse sink presets: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Sinks))
	for _, preset := range file.Sinks {
		if err := preset.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[preset.ID]; dup {
			return nil, fmt.Errorf("duplicate sink id %q", preset.ID)
		}
		seen[preset.ID] = struct{}{}
	}
	return file.Sinks, nil
}
