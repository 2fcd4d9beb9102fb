package flow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/HelpdeskPipe/internal/models"
	"github.com/BTreeMap/HelpdeskPipe/internal/store"
)

// Definition is a flow with its steps as written in a seed file.
type Definition struct {
	models.Flow `yaml:",inline"`
	Steps       []models.FlowStep `yaml:"steps"`
}

type definitionFile struct {
	Flows []Definition `yaml:"flows"`
}

// LoadDefinitions decodes a YAML document of the form {flows: [...]}.
// Missing flow IDs are derived from the name and missing step IDs from the
// flow ID and order.
func LoadDefinitions(r io.Reader) ([]Definition, error) {
	var file definitionFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode flow definitions: %w", err)
	}

	seen := make(map[string]bool, len(file.Flows))
	for i := range file.Flows {
		d := &file.Flows[i]
		if d.ID == "" {
			d.ID = slug(d.Name)
		}
		if d.ID == "" {
			return nil, &models.ValidationError{Field: fmt.Sprintf("flows[%d]", i), Reason: "flow needs an id or a name"}
		}
		if seen[d.ID] {
			return nil, &models.ValidationError{Field: "id", Reason: "duplicate flow id " + d.ID}
		}
		seen[d.ID] = true
		for j := range d.Steps {
			st := &d.Steps[j]
			st.FlowID = d.ID
			if st.ID == "" {
				st.ID = fmt.Sprintf("%s.%d", d.ID, st.Order)
			}
		}
		if err := d.Flow.Validate(); err != nil {
			return nil, fmt.Errorf("flow %s: %w", d.ID, err)
		}
		if _, err := Compile(d.Flow, d.Steps); err != nil {
			return nil, err
		}
	}
	return file.Flows, nil
}

// LoadDefinitionsFile reads definitions from path.
func LoadDefinitionsFile(path string) ([]Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open flow definitions: %w", err)
	}
	defer f.Close()
	return LoadDefinitions(f)
}

// SeedFlows saves every definition, replacing existing flows with the same ID.
func SeedFlows(ctx context.Context, repo store.FlowRepo, defs []Definition) error {
	for _, d := range defs {
		if err := repo.SaveFlow(ctx, d.Flow, d.Steps); err != nil {
			return fmt.Errorf("seed flow %s: %w", d.ID, err)
		}
	}
	return nil
}

// slug turns "Abrir Chamado Técnico" into "abrir_chamado_tecnico".
func slug(name string) string {
	plain := stripMarks(name)

	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(plain) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if b.Len() > 0 && !underscore {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
