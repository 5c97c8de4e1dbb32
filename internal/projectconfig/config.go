// Package projectconfig provides the ProjectConfig struct and loader for
// .kumite.yaml / .kumite.toml project-level configuration files.
package projectconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spboyer/kumite/internal/models"
	"gopkg.in/yaml.v3"
)

// Default values for project configuration. These are the single source of
// truth. New() references them and no other code should duplicate them.
const (
	DefaultEvalsDir   = "evals/"
	DefaultResultsDir = "results/"

	DefaultAgent      = "claude"
	DefaultModel      = "claude-sonnet-4.6"
	DefaultJudgeModel = "gpt-4.1"

	DefaultCacheDir = ".kumite-cache"

	DefaultUploadContainer = "kumite-results"
)

// configFileNames are searched in order in each directory.
var configFileNames = []string{".kumite.yaml", ".kumite.yml", ".kumite.toml"}

// PathsConfig holds directory paths for evals and results.
type PathsConfig struct {
	Evals   string `yaml:"evals,omitempty" toml:"evals,omitempty"`
	Results string `yaml:"results,omitempty" toml:"results,omitempty"`
}

// DefaultsConfig holds default execution parameters. Zero values mean "not
// set" and leave the eval file's own values alone.
type DefaultsConfig struct {
	Agent       string `yaml:"agent,omitempty" toml:"agent,omitempty"`
	Model       string `yaml:"model,omitempty" toml:"model,omitempty"`
	JudgeModel  string `yaml:"judge_model,omitempty" toml:"judge_model,omitempty"`
	TimeoutMs   int    `yaml:"timeout_ms,omitempty" toml:"timeout_ms,omitempty"`
	Parallel    *bool  `yaml:"parallel,omitempty" toml:"parallel,omitempty"`
	MaxExamples int    `yaml:"max_examples,omitempty" toml:"max_examples,omitempty"`
	MaxTrials   int    `yaml:"max_trials,omitempty" toml:"max_trials,omitempty"`
	Trials      int    `yaml:"trials,omitempty" toml:"trials,omitempty"`
	Verbose     *bool  `yaml:"verbose,omitempty" toml:"verbose,omitempty"`
}

// CacheConfig holds cache settings.
type CacheConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty" toml:"enabled,omitempty"`
	Dir     string `yaml:"dir,omitempty" toml:"dir,omitempty"`
}

// UploadConfig holds Azure Blob Storage settings for experiment artifacts.
type UploadConfig struct {
	AccountURL string `yaml:"account_url,omitempty" toml:"account_url,omitempty"`
	Container  string `yaml:"container,omitempty" toml:"container,omitempty"`
}

// ProjectConfig is the top-level configuration loaded from .kumite.yaml.
type ProjectConfig struct {
	Paths    PathsConfig    `yaml:"paths,omitempty" toml:"paths,omitempty"`
	Defaults DefaultsConfig `yaml:"defaults,omitempty" toml:"defaults,omitempty"`
	Cache    CacheConfig    `yaml:"cache,omitempty" toml:"cache,omitempty"`
	Upload   UploadConfig   `yaml:"upload,omitempty" toml:"upload,omitempty"`

	// Path is the file the config was loaded from, empty for defaults.
	Path string `yaml:"-" toml:"-"`
}

// New returns a ProjectConfig with all hard-coded defaults populated.
func New() *ProjectConfig {
	return &ProjectConfig{
		Paths: PathsConfig{
			Evals:   DefaultEvalsDir,
			Results: DefaultResultsDir,
		},
		Defaults: DefaultsConfig{
			Agent:      DefaultAgent,
			Model:      DefaultModel,
			JudgeModel: DefaultJudgeModel,
			Parallel:   boolPtr(false),
			Verbose:    boolPtr(false),
		},
		Cache: CacheConfig{
			Enabled: boolPtr(false),
			Dir:     DefaultCacheDir,
		},
		Upload: UploadConfig{
			Container: DefaultUploadContainer,
		},
	}
}

// Load finds a project config file by walking up from startDir (max 10
// levels), unmarshals it, and fills in missing fields with defaults.
// If no config file is found, returns defaults with a nil error.
// Real I/O errors (e.g. permission denied) are returned to the caller.
func Load(startDir string) (*ProjectConfig, error) {
	cfg := New()

	path, data, err := findConfigFile(startDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil // no file found → return defaults
		}
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	var fileCfg ProjectConfig
	if strings.HasSuffix(path, ".toml") {
		if err := toml.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	mergeConfig(cfg, &fileCfg)
	cfg.Path = path
	return cfg, nil
}

// ApplyTo fills run config and variant fields the eval file left unset.
// Pass it to models.LoadEvalSpec so it runs before built-in defaults.
func (p *ProjectConfig) ApplyTo(spec *models.EvalSpec) {
	d := p.Defaults
	if spec.Config.Trials == 0 {
		spec.Config.Trials = d.Trials
	}
	if spec.Config.TimeoutMs == 0 {
		spec.Config.TimeoutMs = d.TimeoutMs
	}
	if spec.Config.MaxExamples == 0 {
		spec.Config.MaxExamples = d.MaxExamples
	}
	if spec.Config.MaxTrials == 0 {
		spec.Config.MaxTrials = d.MaxTrials
	}
	if spec.Config.Parallel == nil && d.Parallel != nil {
		parallel := *d.Parallel
		spec.Config.Parallel = &parallel
	}
	for i := range spec.Variants {
		if spec.Variants[i].Agent == "" {
			spec.Variants[i].Agent = d.Agent
		}
		if spec.Variants[i].Model == "" {
			spec.Variants[i].Model = d.Model
		}
	}
}

// CacheEnabled reports whether the result cache is switched on.
func (p *ProjectConfig) CacheEnabled() bool {
	return p.Cache.Enabled != nil && *p.Cache.Enabled
}

// findConfigFile walks up from dir looking for a config file (max 10 levels).
// Returns os.ErrNotExist if no config file is found. Propagates real I/O
// errors (e.g. permission denied) instead of silently swallowing them.
func findConfigFile(dir string) (string, []byte, error) {
	// Convert to absolute path so filepath.Dir(".") walks correctly.
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", nil, fmt.Errorf("resolving path %q: %w", dir, err)
	}
	dir = absDir

	for i := 0; i < 10; i++ {
		for _, name := range configFileNames {
			p := filepath.Join(dir, name)
			data, err := os.ReadFile(p)
			if err == nil {
				return p, data, nil
			}
			if !errors.Is(err, os.ErrNotExist) {
				return "", nil, fmt.Errorf("reading %q: %w", p, err)
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break // reached filesystem root
		}
		dir = parent
	}
	return "", nil, os.ErrNotExist
}

// mergeConfig overlays non-zero values from src onto dst.
func mergeConfig(dst, src *ProjectConfig) {
	// Paths
	if src.Paths.Evals != "" {
		dst.Paths.Evals = src.Paths.Evals
	}
	if src.Paths.Results != "" {
		dst.Paths.Results = src.Paths.Results
	}

	// Defaults
	if src.Defaults.Agent != "" {
		dst.Defaults.Agent = src.Defaults.Agent
	}
	if src.Defaults.Model != "" {
		dst.Defaults.Model = src.Defaults.Model
	}
	if src.Defaults.JudgeModel != "" {
		dst.Defaults.JudgeModel = src.Defaults.JudgeModel
	}
	if src.Defaults.TimeoutMs != 0 {
		dst.Defaults.TimeoutMs = src.Defaults.TimeoutMs
	}
	if src.Defaults.Parallel != nil {
		dst.Defaults.Parallel = src.Defaults.Parallel
	}
	if src.Defaults.MaxExamples != 0 {
		dst.Defaults.MaxExamples = src.Defaults.MaxExamples
	}
	if src.Defaults.MaxTrials != 0 {
		dst.Defaults.MaxTrials = src.Defaults.MaxTrials
	}
	if src.Defaults.Trials != 0 {
		dst.Defaults.Trials = src.Defaults.Trials
	}
	if src.Defaults.Verbose != nil {
		dst.Defaults.Verbose = src.Defaults.Verbose
	}

	// Cache
	if src.Cache.Enabled != nil {
		dst.Cache.Enabled = src.Cache.Enabled
	}
	if src.Cache.Dir != "" {
		dst.Cache.Dir = src.Cache.Dir
	}

	// Upload
	if src.Upload.AccountURL != "" {
		dst.Upload.AccountURL = src.Upload.AccountURL
	}
	if src.Upload.Container != "" {
		dst.Upload.Container = src.Upload.Container
	}
}

func boolPtr(b bool) *bool {
	return &b
}
