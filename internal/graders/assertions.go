package graders

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/spf13/afero"
	"github.com/spboyer/kumite/internal/models"
)

// AssertionKind tags a code assertion.
type AssertionKind string

const (
	AssertFileExists     AssertionKind = "file_exists"
	AssertFileNotExists  AssertionKind = "file_not_exists"
	AssertFileContains   AssertionKind = "file_contains"
	AssertFileMatches    AssertionKind = "file_matches"
	AssertFileJSONSchema AssertionKind = "file_json_schema"
	AssertToolCalled     AssertionKind = "tool_called"
	AssertToolNotCalled  AssertionKind = "tool_not_called"
	AssertExitCode       AssertionKind = "exit_code"
)

// AssertionKinds lists every supported assertion, in documentation order.
var AssertionKinds = []AssertionKind{
	AssertFileExists,
	AssertFileNotExists,
	AssertFileContains,
	AssertFileMatches,
	AssertFileJSONSchema,
	AssertToolCalled,
	AssertToolNotCalled,
	AssertExitCode,
}

// Assertion is one deterministic check against a trial's outputs. Which
// fields apply depends on Kind.
type Assertion struct {
	Kind    AssertionKind  `mapstructure:"type"`
	Path    string         `mapstructure:"path"`
	Value   string         `mapstructure:"value"`
	Pattern string         `mapstructure:"pattern"`
	Tool    string         `mapstructure:"tool"`
	Code    *int           `mapstructure:"code"`
	Schema  map[string]any `mapstructure:"schema"`
	Weight  float64        `mapstructure:"weight"`
}

// Key is the stable feedback key, e.g. "file_exists:README.md".
func (a Assertion) Key() string {
	switch a.Kind {
	case AssertToolCalled, AssertToolNotCalled:
		return string(a.Kind) + ":" + a.Tool
	case AssertExitCode:
		if a.Code == nil {
			return string(a.Kind)
		}
		return fmt.Sprintf("%s:%d", a.Kind, *a.Code)
	default:
		return string(a.Kind) + ":" + filepath.ToSlash(a.Path)
	}
}

// codeInput is what assertions are checked against.
type codeInput struct {
	fs          afero.Fs
	sandboxPath string
	toolCalls   []models.ToolCall
	exitCode    int
}

// assertionSpec validates an assertion's fields and checks it.
type assertionSpec struct {
	validate func(a Assertion) error
	check    func(a Assertion, in *codeInput) (bool, string)
}

var assertionRegistry = map[AssertionKind]assertionSpec{
	AssertFileExists:     {validate: needPath, check: checkFileExists},
	AssertFileNotExists:  {validate: needPath, check: checkFileNotExists},
	AssertFileContains:   {validate: all(needPath, needValue), check: checkFileContains},
	AssertFileMatches:    {validate: all(needPath, needPattern), check: checkFileMatches},
	AssertFileJSONSchema: {validate: all(needPath, needSchema), check: checkFileJSONSchema},
	AssertToolCalled:     {validate: needTool, check: checkToolCalled},
	AssertToolNotCalled:  {validate: needTool, check: checkToolNotCalled},
	AssertExitCode:       {validate: noCheck, check: checkExitCode},
}

// DecodeAssertions reads the "assertions" list of a code evaluator config and
// validates every entry.
func DecodeAssertions(config map[string]any) ([]Assertion, error) {
	var v struct {
		Assertions []Assertion `mapstructure:"assertions"`
	}
	if err := mapstructure.Decode(config, &v); err != nil {
		return nil, fmt.Errorf("decoding assertions: %w", err)
	}
	if len(v.Assertions) == 0 {
		return nil, errors.New("code evaluator has no assertions")
	}
	for i, a := range v.Assertions {
		if err := validateAssertion(a); err != nil {
			return nil, fmt.Errorf("assertion %d (%s): %w", i, a.Kind, err)
		}
	}
	return v.Assertions, nil
}

func validateAssertion(a Assertion) error {
	spec, ok := assertionRegistry[a.Kind]
	if !ok {
		return fmt.Errorf("unknown assertion type %q", a.Kind)
	}
	return spec.validate(a)
}

func needPath(a Assertion) error {
	if a.Path == "" {
		return errors.New("'path' is required")
	}
	if filepath.IsAbs(a.Path) {
		return fmt.Errorf("path %q must be relative to the sandbox", a.Path)
	}
	return nil
}

func needValue(a Assertion) error {
	if a.Value == "" {
		return errors.New("'value' is required")
	}
	return nil
}

func needPattern(a Assertion) error {
	if a.Pattern == "" {
		return errors.New("'pattern' is required")
	}
	if _, err := regexp.Compile(a.Pattern); err != nil {
		return fmt.Errorf("invalid pattern %q: %w", a.Pattern, err)
	}
	return nil
}

func needSchema(a Assertion) error {
	if a.Schema == nil {
		return errors.New("'schema' is required")
	}
	_, err := compileSchema(a.Schema)
	return err
}

func needTool(a Assertion) error {
	if a.Tool == "" {
		return errors.New("'tool' is required")
	}
	return nil
}

func noCheck(Assertion) error { return nil }

func all(fns ...func(Assertion) error) func(Assertion) error {
	return func(a Assertion) error {
		for _, fn := range fns {
			if err := fn(a); err != nil {
				return err
			}
		}
		return nil
	}
}

func checkFileExists(a Assertion, in *codeInput) (bool, string) {
	full, err := sandboxPath(in.sandboxPath, a.Path)
	if err != nil {
		return false, err.Error()
	}
	if _, err := in.fs.Stat(full); err != nil {
		return false, fmt.Sprintf("File must exist but not found: %s", a.Path)
	}
	return true, ""
}

func checkFileNotExists(a Assertion, in *codeInput) (bool, string) {
	full, err := sandboxPath(in.sandboxPath, a.Path)
	if err != nil {
		return false, err.Error()
	}
	if _, err := in.fs.Stat(full); err == nil {
		return false, fmt.Sprintf("File must not exist but found: %s", a.Path)
	}
	return true, ""
}

func checkFileContains(a Assertion, in *codeInput) (bool, string) {
	content, msg := readSandboxFile(in.fs, in.sandboxPath, a.Path)
	if msg != "" {
		return false, msg
	}
	if !strings.Contains(content, a.Value) {
		return false, fmt.Sprintf("File %s does not contain %q", a.Path, a.Value)
	}
	return true, ""
}

func checkFileMatches(a Assertion, in *codeInput) (bool, string) {
	content, msg := readSandboxFile(in.fs, in.sandboxPath, a.Path)
	if msg != "" {
		return false, msg
	}
	re, err := regexp.Compile(a.Pattern)
	if err != nil {
		return false, fmt.Sprintf("Invalid regex pattern %q: %v", a.Pattern, err)
	}
	if !re.MatchString(content) {
		return false, fmt.Sprintf("File %s missing expected pattern: %s", a.Path, a.Pattern)
	}
	return true, ""
}

func checkFileJSONSchema(a Assertion, in *codeInput) (bool, string) {
	content, msg := readSandboxFile(in.fs, in.sandboxPath, a.Path)
	if msg != "" {
		return false, msg
	}

	var value any
	if err := json.Unmarshal([]byte(content), &value); err != nil {
		return false, fmt.Sprintf("File %s is not valid JSON: %v", a.Path, err)
	}

	schema, err := compileSchema(a.Schema)
	if err != nil {
		return false, err.Error()
	}
	if err := schema.Validate(value); err != nil {
		return false, fmt.Sprintf("Schema validation failed: %v", err)
	}
	return true, ""
}

func checkToolCalled(a Assertion, in *codeInput) (bool, string) {
	if !slices.ContainsFunc(in.toolCalls, func(tc models.ToolCall) bool { return tc.Name == a.Tool }) {
		return false, fmt.Sprintf("Expected tool %q was not called", a.Tool)
	}
	return true, ""
}

func checkToolNotCalled(a Assertion, in *codeInput) (bool, string) {
	if slices.ContainsFunc(in.toolCalls, func(tc models.ToolCall) bool { return tc.Name == a.Tool }) {
		return false, fmt.Sprintf("Rejected tool %q was called", a.Tool)
	}
	return true, ""
}

func checkExitCode(a Assertion, in *codeInput) (bool, string) {
	want := 0
	if a.Code != nil {
		want = *a.Code
	}
	if in.exitCode != want {
		if in.exitCode == models.ExitCodeTimeout {
			return false, fmt.Sprintf("Agent timed out, expected exit code %d", want)
		}
		return false, fmt.Sprintf("Exit code %d, expected %d", in.exitCode, want)
	}
	return true, ""
}

// sandboxPath resolves relPath against root and rejects paths that escape it.
// Eval authors control every path, so this catches mistakes (hardcoded
// absolute paths, stray ".."), not attacks.
func sandboxPath(root, relPath string) (string, error) {
	if filepath.IsAbs(relPath) {
		return "", fmt.Errorf("path %q is absolute and not relative to the sandbox", relPath)
	}
	base := filepath.Clean(root)
	full := filepath.Join(base, relPath)
	rel, err := filepath.Rel(base, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the sandbox", relPath)
	}
	return full, nil
}

func readSandboxFile(fs afero.Fs, root, relPath string) (string, string) {
	full, err := sandboxPath(root, relPath)
	if err != nil {
		return "", err.Error()
	}
	data, err := afero.ReadFile(fs, full)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Sprintf("File not found for content check: %s", relPath)
		}
		return "", fmt.Sprintf("Failed to read file %s: %v", relPath, err)
	}
	return string(data), ""
}

func compileSchema(schemaMap map[string]any) (*jsonschema.Schema, error) {
	// round trip through JSON so yaml-decoded numbers and maps are in the
	// shapes the compiler expects
	schemaJSON, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize schema: %w", err)
	}
	var schemaValue any
	if err := json.Unmarshal(schemaJSON, &schemaValue); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", schemaValue); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile JSON schema: %w", err)
	}
	return schema, nil
}
