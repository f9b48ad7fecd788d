package benchmark

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mitchellh/mapstructure"
)

// LoadSpecs parses a benchmark spec file. The file is a JSON object mapping
// benchmark ids to spec fields; ids come from the keys so they can't drift
// from the file structure.
func LoadSpecs(buf []byte) ([]Spec, error) {
	file := specFile{}
	err := json.Unmarshal(buf, &file)
	if err != nil {
		return nil, fmt.Errorf("can't parse benchmark file: %w", err)
	}

	ids := make([]string, 0, len(file))
	for id := range file {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	specs := make([]Spec, 0, len(file))
	for _, id := range ids {
		spec := Spec{}
		err := mapstructure.Decode(file[id], &spec)
		if err != nil {
			return nil, fmt.Errorf("can't convert %s to a benchmark spec: %w", id, err)
		}
		spec.ID = id
		if spec.Name == "" {
			spec.Name = id
		}
		err = spec.validate()
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
