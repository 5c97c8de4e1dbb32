// Package dataset loads eval examples from YAML, JSONL or CSV files.
package dataset

import (
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/spboyer/kumite/internal/models"
	"github.com/spf13/afero"
)

// Loader reads dataset files through an afero.Fs so tests can use an
// in-memory filesystem.
type Loader struct {
	fs afero.Fs
}

// NewLoader creates a Loader on fs. A nil fs means the OS filesystem.
func NewLoader(fs afero.Fs) *Loader {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Loader{fs: fs}
}

// Load reads the examples in path. The format is chosen by extension:
// .yaml/.yml (a list of examples, or a document with an `examples` key),
// .jsonl (one example per line) or .csv (header row with id and query
// columns).
func (l *Loader) Load(p string) ([]models.Example, error) {
	f, err := l.fs.Open(p)
	if err != nil {
		return nil, fmt.Errorf("dataset: open %s: %w", p, err)
	}
	defer func() { _ = f.Close() }()

	var examples []models.Example
	switch ext := strings.ToLower(filepath.Ext(p)); ext {
	case ".yaml", ".yml":
		examples, err = decodeYAML(f)
	case ".jsonl", ".ndjson":
		examples, err = decodeJSONL(f)
	case ".csv":
		examples, err = decodeCSV(f)
	default:
		return nil, fmt.Errorf("dataset: unsupported file type %q for %s", ext, p)
	}
	if err != nil {
		return nil, fmt.Errorf("dataset: %s: %w", p, err)
	}

	if err := checkIDs(examples); err != nil {
		return nil, fmt.Errorf("dataset: %s: %w", p, err)
	}
	return examples, nil
}

// Filter keeps examples whose id matches at least one glob pattern, in
// their original order. No patterns keeps everything.
func Filter(examples []models.Example, patterns []string) ([]models.Example, error) {
	if len(patterns) == 0 {
		return examples, nil
	}
	for _, p := range patterns {
		if _, err := path.Match(p, ""); err != nil {
			return nil, fmt.Errorf("bad example pattern %q: %w", p, err)
		}
	}

	var kept []models.Example
	for _, ex := range examples {
		for _, p := range patterns {
			if ok, _ := path.Match(p, ex.ID); ok {
				kept = append(kept, ex)
				break
			}
		}
	}
	return kept, nil
}

// Range returns examples in [start, end] (1-based, inclusive). end is
// clamped to the dataset size; a start beyond it yields an empty slice.
func Range(examples []models.Example, start, end int) ([]models.Example, error) {
	if start < 1 {
		return nil, fmt.Errorf("range start must be >= 1, got %d", start)
	}
	if end < start {
		return nil, fmt.Errorf("range end (%d) must be >= start (%d)", end, start)
	}

	if end > len(examples) {
		end = len(examples)
	}
	if start > len(examples) {
		return []models.Example{}, nil
	}
	return examples[start-1 : end], nil
}

func checkIDs(examples []models.Example) error {
	seen := make(map[string]int, len(examples))
	for i, ex := range examples {
		if ex.ID == "" {
			return fmt.Errorf("example %d has no id", i+1)
		}
		if ex.Query == "" {
			return fmt.Errorf("example %q has no query", ex.ID)
		}
		if prev, ok := seen[ex.ID]; ok {
			return fmt.Errorf("duplicate example id %q (entries %d and %d)", ex.ID, prev+1, i+1)
		}
		seen[ex.ID] = i
	}
	return nil
}

func readAll(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	return data, nil
}
