package jobs

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// File is the on-disk form of a batch. JSON files parse as well since YAML is a superset.
type File struct {
	Jobs []JobSpec `yaml:"jobs"`
}

// LoadFile reads job specs from a YAML or JSON file.
func LoadFile(path string) ([]JobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read job file")
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "parse job file %s", path)
	}
	for i := range f.Jobs {
		if f.Jobs[i].Payload == nil {
			f.Jobs[i].Payload = map[string]any{}
		}
	}
	return f.Jobs, nil
}
