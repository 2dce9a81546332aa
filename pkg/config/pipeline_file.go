package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mercatoai/mercato-oss/pkg/domain"
)

// LoadPipelineSpec reads a single pipeline description from a YAML or JSON
// file and converts it to the domain form. The CLI uses it to run ad-hoc
// pipeline files without a full service configuration.
func LoadPipelineSpec(path string) (domain.PipelineSpec, error) {
	//nolint:gosec // Pipeline file path is controlled by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.PipelineSpec{}, fmt.Errorf("failed to read pipeline file %s: %w", path, err)
	}

	var spec PipelineSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		if jsonErr := json.Unmarshal(data, &spec); jsonErr != nil {
			return domain.PipelineSpec{}, fmt.Errorf("failed to parse pipeline file %s: %w", path, err)
		}
	}
	if err := spec.Normalize(); err != nil {
		return domain.PipelineSpec{}, fmt.Errorf("invalid pipeline file %s: %w", path, err)
	}
	return spec.ToDomain(), nil
}
