package sandbox

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/spf13/afero"
	"github.com/zeebo/blake3"
)

// MaxSnapshotFileBytes is the largest file whose content is inlined in a
// snapshot. Larger and non-UTF-8 files are replaced by a digest line.
const MaxSnapshotFileBytes = 256 * 1024

// vcsDirs are skipped when snapshotting.
var vcsDirs = map[string]bool{".git": true, ".jj": true}

// Snapshot returns the sandbox's final file tree as slash-separated
// relative path → content.
func Snapshot(fs afero.Fs, root string) (map[string]string, error) {
	files := map[string]string{}

	err := afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if path != root && vcsDirs[info.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", rel, err)
		}
		files[filepath.ToSlash(rel)] = snapshotContent(data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", root, err)
	}
	return files, nil
}

func snapshotContent(data []byte) string {
	if len(data) <= MaxSnapshotFileBytes && utf8.Valid(data) {
		return string(data)
	}
	return Digest(data)
}

// Digest is the placeholder recorded for files too large or binary to inline.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return fmt.Sprintf("<binary: blake3:%s, %d bytes>", hex.EncodeToString(sum[:]), len(data))
}
