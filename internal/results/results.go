// Package results reads and writes Experiment artifacts.
package results

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/spboyer/kumite/internal/models"
	"github.com/spboyer/kumite/internal/utils"
)

const (
	jsonExt = ".json"
	gzipExt = ".gz"
)

// Filename returns <eval>-<variant>-<timestamp>.json, plus .gz when compressed.
func Filename(evalName, variant string, ts time.Time, compress bool) string {
	name := fmt.Sprintf("%s-%s-%s%s",
		utils.SanitizeName(evalName),
		utils.SanitizeName(variant),
		ts.UTC().Format("20060102-150405"),
		jsonExt)
	if compress {
		name += gzipExt
	}
	return name
}

// Encode serializes exp, gzip-compressed when compress is set.
func Encode(exp *models.Experiment, compress bool) ([]byte, error) {
	data, err := json.MarshalIndent(exp, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal experiment: %w", err)
	}
	if !compress {
		return data, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("compress experiment: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress experiment: %w", err)
	}
	return buf.Bytes(), nil
}

// Save writes exp into dir and returns the file path.
func Save(dir string, exp *models.Experiment, compress bool) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create results dir: %w", err)
	}

	data, err := Encode(exp, compress)
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, Filename(exp.EvalName, exp.Variant, exp.Timestamp, compress))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write experiment: %w", err)
	}
	return path, nil
}

// Load reads an Experiment written by Save. Compressed files are detected by
// content, not by name.
func Load(path string) (*models.Experiment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read experiment: %w", err)
	}
	return Decode(data)
}

// Decode parses plain or gzip-compressed Experiment JSON.
func Decode(data []byte) (*models.Experiment, error) {
	if isGzip(data) {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decompress experiment: %w", err)
		}
		defer zr.Close() //nolint:errcheck

		data, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("decompress experiment: %w", err)
		}
	}

	var exp models.Experiment
	if err := json.Unmarshal(data, &exp); err != nil {
		return nil, fmt.Errorf("parse experiment: %w", err)
	}
	return &exp, nil
}

// IsResultFile reports whether name looks like a saved experiment.
func IsResultFile(name string) bool {
	return strings.HasSuffix(name, jsonExt) || strings.HasSuffix(name, jsonExt+gzipExt)
}

func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}
