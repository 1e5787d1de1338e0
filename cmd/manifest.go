package main

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/docflow/internal/extract"
	"github.com/sells-group/docflow/internal/model"
)

// manifest is a batch of documents to submit in one run.
type manifest struct {
	Documents []manifestEntry `yaml:"documents"`
}

// manifestEntry is one document plus optional pre-computed routing input.
type manifestEntry struct {
	model.DocumentRef `yaml:",inline"`
	Priority          string                `yaml:"priority"`
	Classification    *model.Classification `yaml:"classification"`
}

func loadManifest(path string) (*manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read manifest %s", path)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, eris.Wrapf(err, "parse manifest %s", path)
	}

	seen := make(map[string]bool, len(m.Documents))
	for i, d := range m.Documents {
		if d.ID == "" {
			return nil, eris.Errorf("manifest: documents[%d] has no id", i)
		}
		if seen[d.ID] {
			return nil, eris.Errorf("manifest: duplicate document %q", d.ID)
		}
		seen[d.ID] = true
		if d.Priority != "" {
			if _, err := model.ParsePriority(d.Priority); err != nil {
				return nil, eris.Wrapf(err, "manifest: document %q", d.ID)
			}
		}
	}
	return &m, nil
}

// classifications returns the classifications supplied in the manifest.
func (m *manifest) classifications() extract.StaticClassifier {
	out := extract.StaticClassifier{}
	for _, d := range m.Documents {
		if d.Classification != nil {
			out[d.ID] = d.Classification
		}
	}
	return out
}
