// Package schema handles ingestion schema configuration: the source format,
// the content/metadata mapping paths, optional JSON Schema validation of
// items, and the chunking strategy.
package schema

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/xeipuuv/gojsonschema"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Source formats.
const (
	FormatJSONArray = "json_array"
	FormatNDJSON    = "ndjson"
)

// Chunking strategies.
const (
	StrategyNone       = "none"
	StrategyRecursive  = "recursive"
	StrategyTokenAware = "token_aware"
)

// Chunking parameter defaults.
const (
	DefaultMaxChars      = 1200
	DefaultOverlap       = 150
	DefaultMaxTokens     = 1000
	DefaultOverlapTokens = 100
)

// MaxValidationErrors caps how many item validation errors are collected
// before the job is failed.
const MaxValidationErrors = 20

// Mapping describes how content and metadata are extracted from each item.
type Mapping struct {
	ContentPath   string            `json:"content_path"`
	MetadataPaths map[string]string `json:"metadata_paths,omitempty"`
}

// Chunking configures how extracted content is split.
type Chunking struct {
	Strategy      string `json:"strategy"`
	MaxChars      int    `json:"max_chars,omitempty"`
	Overlap       int    `json:"overlap,omitempty"`
	MaxTokens     int    `json:"max_tokens,omitempty"`
	OverlapTokens int    `json:"overlap_tokens,omitempty"`
	ModelName     string `json:"model_name,omitempty"`
}

// Config is the user-supplied ingestion schema.
// Format may be empty, in which case the parser auto-detects it from the file.
type Config struct {
	Format           string                 `json:"format,omitempty"`
	ValidationSchema map[string]interface{} `json:"validation_schema,omitempty"`
	Mapping          Mapping                `json:"mapping"`
	Chunking         Chunking               `json:"chunking,omitempty"`

	validator *gojsonschema.Schema
}

// Parse decodes and validates a schema config from JSON.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("schema config is not valid JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the config and compiles the validation schema if present.
func (c *Config) Validate() error {
	c.Format = strings.ToLower(c.Format)
	if c.Format != "" && c.Format != FormatJSONArray && c.Format != FormatNDJSON {
		return fmt.Errorf("format must be %q or %q, got %q", FormatJSONArray, FormatNDJSON, c.Format)
	}

	if c.Mapping.ContentPath == "" {
		return fmt.Errorf("mapping.content_path is required")
	}

	if c.Chunking.Strategy == "" {
		c.Chunking.Strategy = StrategyNone
	}
	c.Chunking.Strategy = strings.ToLower(c.Chunking.Strategy)

	if c.Chunking.MaxChars <= 0 {
		c.Chunking.MaxChars = DefaultMaxChars
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.MaxChars {
		c.Chunking.Overlap = DefaultOverlap
	}
	if c.Chunking.MaxTokens <= 0 {
		c.Chunking.MaxTokens = DefaultMaxTokens
	}
	if c.Chunking.OverlapTokens < 0 || c.Chunking.OverlapTokens >= c.Chunking.MaxTokens {
		c.Chunking.OverlapTokens = DefaultOverlapTokens
	}

	if c.ValidationSchema != nil {
		sl := gojsonschema.NewSchemaLoader()
		sl.Draft = gojsonschema.Draft7
		compiled, err := sl.Compile(gojsonschema.NewGoLoader(c.ValidationSchema))
		if err != nil {
			return fmt.Errorf("invalid validation_schema: %w", err)
		}
		c.validator = compiled
	}

	return nil
}

// HasValidator reports whether a compiled validation schema is attached.
func (c *Config) HasValidator() bool {
	return c.validator != nil
}

// ItemError describes a single JSON Schema violation on one item.
type ItemError struct {
	Index int    `json:"index"`
	Field string `json:"field"`
	Error string `json:"error"`
}

func (e ItemError) String() string {
	return fmt.Sprintf("item %d: %s: %s", e.Index, e.Field, e.Error)
}

// ValidateItem checks one parsed item against the validation schema and
// returns its violations tagged with the item index. Returns nil when no
// validator is configured or the item passes.
func (c *Config) ValidateItem(item interface{}, index int) ([]ItemError, error) {
	if c.validator == nil {
		return nil, nil
	}

	result, err := c.validator.Validate(gojsonschema.NewGoLoader(item))
	if err != nil {
		return nil, fmt.Errorf("validating item %d: %w", index, err)
	}
	if result.Valid() {
		return nil, nil
	}

	errs := make([]ItemError, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		errs = append(errs, ItemError{
			Index: index,
			Field: re.Field(),
			Error: re.Description(),
		})
	}
	return errs, nil
}
