// Package config holds the resolved configuration of one eval run: the
// loaded spec plus the paths and switches supplied on the command line.
package config

import (
	"path/filepath"

	"github.com/spboyer/kumite/internal/models"
)

// EvalConfig wraps an EvalSpec with run-time settings that do not belong in
// the eval file.
type EvalConfig struct {
	spec          *models.EvalSpec
	specDir       string
	fixtureDir    string
	outputDir     string
	transcriptDir string
	compress      bool
	verbose       bool
}

// Option configures an EvalConfig.
type Option func(*EvalConfig)

// NewEvalConfig builds an EvalConfig. Options are applied in order, so the
// last one wins when two set the same field.
func NewEvalConfig(spec *models.EvalSpec, opts ...Option) *EvalConfig {
	cfg := &EvalConfig{spec: spec}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithSpecDir sets the directory the eval file was loaded from. Relative
// paths inside the spec resolve against it.
func WithSpecDir(dir string) Option {
	return func(c *EvalConfig) { c.specDir = dir }
}

// WithFixtureDir overrides the fixtures root from the spec's setup block.
func WithFixtureDir(dir string) Option {
	return func(c *EvalConfig) { c.fixtureDir = dir }
}

// WithOutputDir sets where experiment artifacts are written.
func WithOutputDir(dir string) Option {
	return func(c *EvalConfig) { c.outputDir = dir }
}

// WithTranscriptDir overrides config.transcript_dir.
func WithTranscriptDir(dir string) Option {
	return func(c *EvalConfig) { c.transcriptDir = dir }
}

// WithCompress writes artifacts as .json.gz.
func WithCompress(compress bool) Option {
	return func(c *EvalConfig) { c.compress = compress }
}

func WithVerbose(verbose bool) Option {
	return func(c *EvalConfig) { c.verbose = verbose }
}

func (c *EvalConfig) Spec() *models.EvalSpec { return c.spec }
func (c *EvalConfig) SpecDir() string        { return c.specDir }
func (c *EvalConfig) OutputDir() string      { return c.outputDir }
func (c *EvalConfig) Compress() bool         { return c.compress }
func (c *EvalConfig) Verbose() bool          { return c.verbose }

// FixtureDir returns the fixtures root: the explicit override when set,
// otherwise setup.fixtures resolved against the spec directory.
func (c *EvalConfig) FixtureDir() string {
	if c.fixtureDir != "" {
		return c.fixtureDir
	}
	if c.spec == nil || c.spec.Setup.Fixtures == "" {
		return ""
	}
	return c.resolve(c.spec.Setup.Fixtures)
}

// TranscriptDir returns the explicit override when set, otherwise the run
// config's transcript directory.
func (c *EvalConfig) TranscriptDir() string {
	if c.transcriptDir != "" {
		return c.transcriptDir
	}
	if c.spec == nil {
		return ""
	}
	return c.spec.Config.TranscriptDir
}

// DatasetPath returns the spec's dataset file resolved against the spec
// directory, or "" when examples are inline.
func (c *EvalConfig) DatasetPath() string {
	if c.spec == nil || c.spec.Dataset == "" {
		return ""
	}
	return c.resolve(c.spec.Dataset)
}

func (c *EvalConfig) resolve(p string) string {
	if filepath.IsAbs(p) || c.specDir == "" {
		return p
	}
	return filepath.Join(c.specDir, p)
}
