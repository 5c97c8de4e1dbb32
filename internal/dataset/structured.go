package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spboyer/kumite/internal/models"
	"gopkg.in/yaml.v3"
)

// maxJSONLLine bounds a single JSONL record; seed files can make lines long.
const maxJSONLLine = 16 * 1024 * 1024

func decodeYAML(r io.Reader) ([]models.Example, error) {
	data, err := readAll(r)
	if err != nil {
		return nil, err
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	if len(node.Content) == 0 {
		return nil, nil
	}

	var examples []models.Example
	root := node.Content[0]
	switch root.Kind {
	case yaml.SequenceNode:
		err = root.Decode(&examples)
	case yaml.MappingNode:
		var doc struct {
			Examples []models.Example `yaml:"examples"`
		}
		err = root.Decode(&doc)
		examples = doc.Examples
	default:
		return nil, fmt.Errorf("yaml: expected a list of examples or an `examples` key")
	}
	if err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	return examples, nil
}

func decodeJSONL(r io.Reader) ([]models.Example, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxJSONLLine)

	var examples []models.Example
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var ex models.Example
		if err := json.Unmarshal(text, &ex); err != nil {
			return nil, fmt.Errorf("jsonl: line %d: %w", line, err)
		}
		examples = append(examples, ex)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("jsonl: %w", err)
	}
	return examples, nil
}
