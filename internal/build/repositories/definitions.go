package repositories

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/heyos/heyiso/internal/build"
)

// DefinitionRepository loads the embedded pipeline definition and applies a
// workspace override on top of it.
type DefinitionRepository struct{}

var _ build.DefinitionRepository = (*DefinitionRepository)(nil)

// Default returns the embedded definition.
func Default() (build.Definition, error) {
	var def build.Definition
	if err := decode(embeddedDefinition, &def); err != nil {
		return build.Definition{}, fmt.Errorf("embedded definition: %w", err)
	}
	return def, nil
}

// Load returns the definition for workspace. Keys present in the workspace's
// heyiso.yaml override the embedded values; lists are replaced, not merged.
func (DefinitionRepository) Load(workspace build.Workspace) (build.Definition, error) {
	def, err := Default()
	if err != nil {
		return build.Definition{}, err
	}

	path := workspace.DefinitionPath()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return build.Definition{}, fmt.Errorf("read %s: %w", path, err)
	default:
		if err := decode(data, &def); err != nil {
			return build.Definition{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := def.Validate(); err != nil {
		return build.Definition{}, fmt.Errorf("invalid definition: %w", err)
	}
	return def, nil
}

func decode(data []byte, def *build.Definition) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	return decoder.Decode(def)
}
