package schema

import (
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/BurntSushi/toml"
)

// Catalog holds the fixed allow-lists the tracker validates against.
type Catalog struct {
	ModelTypes     []string `toml:"model_types"`
	ModemTypes     []string `toml:"modem_types"`
	ExecutionTypes []string `toml:"execution_types"`
	BlockTypes     []string `toml:"block_types"`
	Operations     []string `toml:"operations"`
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	return &Catalog{
		ModelTypes:     []string{"Model1", "Model2", "Model3"},
		ModemTypes:     []string{"ModemA", "ModemB", "ModemC"},
		ExecutionTypes: []string{"ExecutionX", "ExecutionY", "ExecutionZ"},
		BlockTypes:     []string{"Type1", "Type2", "Type3"},
		Operations: []string{
			"Flashing",
			"Calibration",
			"Power Measurement",
			"Budget",
			"Climatic Test",
			"Cold Start",
			"Hot Start",
			"RSSI Setup",
			"Pre-Packaging Check",
		},
	}
}

// LoadCatalog reads a TOML catalog file. Lists missing from the file keep
// their built-in defaults.
func LoadCatalog(path string) (*Catalog, error) {
	cat := DefaultCatalog()
	if path == "" {
		return cat, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}

	var file Catalog
	md, err := toml.Decode(string(data), &file)
	if err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys in catalog %s: %v", path, undecoded)
	}

	if md.IsDefined("model_types") {
		cat.ModelTypes = file.ModelTypes
	}
	if md.IsDefined("modem_types") {
		cat.ModemTypes = file.ModemTypes
	}
	if md.IsDefined("execution_types") {
		cat.ExecutionTypes = file.ExecutionTypes
	}
	if md.IsDefined("block_types") {
		cat.BlockTypes = file.BlockTypes
	}
	if md.IsDefined("operations") {
		cat.Operations = file.Operations
	}

	if err := cat.Validate(); err != nil {
		return nil, fmt.Errorf("invalid catalog %s: %w", path, err)
	}
	return cat, nil
}

// Validate checks that the lists the tracker depends on are not empty.
func (c *Catalog) Validate() error {
	if len(c.ModelTypes) == 0 {
		return fmt.Errorf("model_types must not be empty")
	}
	if len(c.Operations) == 0 {
		return fmt.Errorf("operations must not be empty")
	}
	return nil
}

// HasModelType reports whether v is an allowed model type.
func (c *Catalog) HasModelType(v string) bool { return slices.Contains(c.ModelTypes, v) }

// HasModemType reports whether v is an allowed modem type.
func (c *Catalog) HasModemType(v string) bool { return slices.Contains(c.ModemTypes, v) }

// HasExecutionType reports whether v is an allowed execution type.
func (c *Catalog) HasExecutionType(v string) bool { return slices.Contains(c.ExecutionTypes, v) }

// HasBlockType reports whether v is an allowed block type.
func (c *Catalog) HasBlockType(v string) bool { return slices.Contains(c.BlockTypes, v) }

// HasOperation reports whether name is in the operation catalog.
func (c *Catalog) HasOperation(name string) bool { return slices.Contains(c.Operations, name) }

// Encode writes the catalog as TOML.
func (c *Catalog) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}
