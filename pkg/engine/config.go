// SPDX-License-Identifier: AGPL-3.0-only

package engine

import (
	"flag"
	"fmt"
	"io"

	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ExecuteFunctionsWithMissingParams bool `yaml:"execute_functions_with_missing_params"`
	AllowFunctionsBeforeDefinitions   bool `yaml:"allow_functions_before_definitions"`

	DisableMissingAndOrWarnings   bool  `yaml:"disable_missing_and_or_warnings"`
	MissingAndOrWarningSampleRate int64 `yaml:"missing_and_or_warning_sample_rate"`
	MaxExpressionDepth            int   `yaml:"max_expression_depth"`
	PlaceholderCacheSize          int   `yaml:"placeholder_cache_size"`

	ConverterCacheStripes int `yaml:"converter_cache_stripes"`

	DisabledTypes flagext.StringSliceCSV `yaml:"disabled_types"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.BoolVar(&c.ExecuteFunctionsWithMissingParams, "functions.execute-with-missing-params", false, "Run functions even if a required parameter has no value. The parameter is passed without values.")
	f.BoolVar(&c.AllowFunctionsBeforeDefinitions, "functions.allow-before-definitions", false, "Accept calls to functions that are declared later. Calls to functions that are never declared are reported by the post-load check.")
	f.BoolVar(&c.DisableMissingAndOrWarnings, "parser.disable-missing-and-or-warnings", false, "Do not warn about lists that are only separated by commas.")
	f.Int64Var(&c.MissingAndOrWarningSampleRate, "parser.missing-and-or-warning-sample-rate", 1, "Log only 1 in N warnings about lists missing 'and' or 'or'. 0 or 1 logs every warning.")
	f.IntVar(&c.MaxExpressionDepth, "parser.max-expression-depth", 32, "Maximum nesting of expressions inside expressions.")
	f.IntVar(&c.PlaceholderCacheSize, "parser.placeholder-cache-size", 512, "Number of parsed placeholder type specifications to cache.")
	f.IntVar(&c.ConverterCacheStripes, "converters.cache-stripes", 16, "Number of lock stripes of the converter path cache.")
	f.Var(&c.DisabledTypes, "types.disabled", "Comma separated list of types whose values are never parsed from literals.")
}

// DefaultConfig returns the configuration with every flag at its default value.
func DefaultConfig() Config {
	var cfg Config
	flagext.DefaultValues(&cfg)
	return cfg
}

func (c *Config) Validate() error {
	var err error
	if c.MissingAndOrWarningSampleRate < 0 {
		err = multierr.Append(err, fmt.Errorf("missing and/or warning sample rate must not be negative, got %d", c.MissingAndOrWarningSampleRate))
	}
	if c.MaxExpressionDepth <= 0 {
		err = multierr.Append(err, fmt.Errorf("max expression depth must be positive, got %d", c.MaxExpressionDepth))
	}
	if c.PlaceholderCacheSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("placeholder cache size must be positive, got %d", c.PlaceholderCacheSize))
	}
	if c.ConverterCacheStripes <= 0 {
		err = multierr.Append(err, fmt.Errorf("converter cache stripes must be positive, got %d", c.ConverterCacheStripes))
	}
	for _, name := range c.DisabledTypes {
		if name == "" {
			err = multierr.Append(err, errors.New("disabled types must not contain empty names"))
			break
		}
	}
	return err
}

// LoadConfig reads a YAML configuration on top of the defaults. Unknown fields are errors.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, errors.Wrap(err, "failed to parse engine config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrap(err, "invalid engine config")
	}
	return cfg, nil
}
