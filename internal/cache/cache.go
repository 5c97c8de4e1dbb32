package cache

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/spboyer/kumite/internal/models"
	"github.com/zeebo/blake3"
)

// Cache stores ExampleResults on disk, one JSON file per key.
type Cache struct {
	dir string
	mu  sync.Mutex
}

// New creates a new cache instance with the specified directory
func New(dir string) *Cache {
	return &Cache{dir: dir}
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

// CacheKey identifies one example's result for one variant. The key covers:
// - eval identity, setup and evaluators
// - the run config fields that change results (trials, pass criteria, timeout, empty evaluator policy)
// - the variant and the example
// - the contents of the fixture tree
func CacheKey(spec *models.EvalSpec, variant models.VariantConfig, example models.Example, fixtureDir string) (string, error) {
	h := blake3.New()

	if err := writeString(h, spec.Name); err != nil {
		return "", err
	}

	run := spec.Config
	if err := writeInt(h, run.Trials); err != nil {
		return "", err
	}
	if err := writeString(h, string(run.PassCriteria)); err != nil {
		return "", err
	}
	if err := writeInt(h, run.TimeoutMs); err != nil {
		return "", err
	}
	if err := writeString(h, string(run.EmptyEvaluators)); err != nil {
		return "", err
	}

	parts := []struct {
		name  string
		value any
	}{
		{"setup", spec.Setup},
		{"evaluators", spec.Evaluators},
		{"variant", variant},
		{"example", example},
	}
	for _, p := range parts {
		data, err := json.Marshal(p.value)
		if err != nil {
			return "", fmt.Errorf("marshaling %s: %w", p.name, err)
		}
		if _, err := h.Write(data); err != nil {
			return "", err
		}
	}

	if err := hashTree(h, fixtureDir); err != nil {
		return "", fmt.Errorf("hashing fixtures: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Get retrieves a cached result if it exists
func (c *Cache) Get(key string) (*models.ExampleResult, bool) {
	if c.dir == "" {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.cachePath(key))
	if err != nil {
		// Cache miss
		return nil, false
	}

	var result models.ExampleResult
	if err := json.Unmarshal(data, &result); err != nil {
		// Invalid cache entry, treat as miss
		return nil, false
	}

	return &result, true
}

// Put stores a result in the cache
func (c *Cache) Put(key string, result *models.ExampleResult) error {
	if c.dir == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}

	if err := os.WriteFile(c.cachePath(key), data, 0o644); err != nil {
		return fmt.Errorf("writing cache file: %w", err)
	}

	return nil
}

// Clear removes all cached results
func (c *Cache) Clear() error {
	if c.dir == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := os.Stat(c.dir); os.IsNotExist(err) {
		return nil
	}

	// only delete directories that look like a cache
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("reading cache directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			return fmt.Errorf("cache directory contains subdirectories - refusing to delete for safety")
		}
		if filepath.Ext(entry.Name()) != ".json" {
			return fmt.Errorf("cache directory contains non-cache files - refusing to delete for safety")
		}
	}

	return os.RemoveAll(c.dir)
}

func (c *Cache) cachePath(key string) string {
	return filepath.Join(c.dir, key+".json")
}

// HasNonDeterministicEvaluators reports whether any evaluator of the eval or
// of an example asks an LLM judge.
func HasNonDeterministicEvaluators(spec *models.EvalSpec) bool {
	isJudge := func(evals []models.EvaluatorConfig) bool {
		for _, e := range evals {
			if e.Kind == models.EvaluatorJudge || e.Kind == models.EvaluatorLLMJudge {
				return true
			}
		}
		return false
	}

	if isJudge(spec.Evaluators) {
		return true
	}
	for _, ex := range spec.Examples {
		if isJudge(ex.Evaluators) {
			return true
		}
	}
	return false
}

func writeString(w io.Writer, s string) error {
	// null byte delimiter prevents collisions between adjacent fields
	_, err := w.Write([]byte(s + "\x00"))
	return err
}

func writeInt(w io.Writer, i int) error {
	_, err := fmt.Fprintf(w, "%d\x00", i)
	return err
}

// hashTree hashes every regular file under root by relative path and
// content. filepath.WalkDir visits in lexical order, so the result is stable.
func hashTree(h io.Writer, root string) error {
	if root == "" {
		return nil
	}

	if _, err := os.Stat(root); os.IsNotExist(err) {
		// the path still counts, so adding fixtures later invalidates the key
		return writeString(h, root)
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if err := writeString(h, filepath.ToSlash(rel)); err != nil {
			return err
		}
		return hashFile(h, path)
	})
}

func hashFile(h io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	_, err = io.Copy(h, f)
	return err
}
