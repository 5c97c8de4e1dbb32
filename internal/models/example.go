package models

// Example is one task definition from a dataset. Examples are loaded once and
// shared read-only by every trial that instantiates them.
type Example struct {
	ID         string            `yaml:"id" json:"id" validate:"required"`
	Query      string            `yaml:"query" json:"query" validate:"required"`
	Files      map[string]string `yaml:"files,omitempty" json:"files,omitempty"`
	Reference  map[string]any    `yaml:"reference,omitempty" json:"reference,omitempty"`
	Evaluators []EvaluatorConfig `yaml:"evaluators,omitempty" json:"evaluators,omitempty" validate:"dive"`
	Tags       []string          `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// MergeSeedFiles layers seed file maps left to right; later maps win on key
// collisions. nil maps are skipped.
func MergeSeedFiles(layers ...map[string]string) map[string]string {
	merged := map[string]string{}
	for _, layer := range layers {
		for path, content := range layer {
			merged[path] = content
		}
	}
	return merged
}
