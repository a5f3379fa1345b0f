package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"

	"github.com/marmos91/dittousb/pkg/backend/catalog"
	"github.com/marmos91/dittousb/pkg/config"
)

const schemaDraft = "https://json-schema.org/draft/2020-12/schema"

var (
	schemaOutput  string
	schemaCatalog bool
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Generate JSON schema for the configuration or device catalog",
	Long: `Generate a JSON schema for the dittousb configuration file, or with
--catalog for the device catalog read by the catalog backend.

Editors use the schema for completion; CI can validate files against it.

Examples:
  # Print the configuration schema
  dittousb config schema

  # Save the device catalog schema next to the catalog
  dittousb config schema --catalog -o devices.schema.json`,
	RunE: runSchema,
}

func init() {
	schemaCmd.Flags().StringVarP(&schemaOutput, "output", "o", "", "Output file (default: stdout)")
	schemaCmd.Flags().BoolVar(&schemaCatalog, "catalog", false, "Describe the device catalog instead of the configuration")
}

// Schema returns the JSON schema of the configuration file.
func Schema() *jsonschema.Schema {
	return reflectYAML(&config.Config{},
		"dittousb Configuration",
		"Configuration schema for the dittousb USB/IP server")
}

// CatalogSchema returns the JSON schema of a device catalog file.
func CatalogSchema() *jsonschema.Schema {
	return reflectYAML(&catalog.File{},
		"dittousb Device Catalog",
		"Virtual USB devices exported by the catalog backend")
}

// reflectYAML derives a schema from the yaml tags of v. Definitions are
// inlined so the result is a single self-contained document.
func reflectYAML(v any, title, description string) *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		FieldNameTag:   "yaml",
	}
	schema := reflector.Reflect(v)
	schema.Version = schemaDraft
	schema.Title = title
	schema.Description = description
	return schema
}

func runSchema(cmd *cobra.Command, args []string) error {
	schema, kind := Schema(), "configuration"
	if schemaCatalog {
		schema, kind = CatalogSchema(), "device catalog"
	}

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to generate %s schema: %w", kind, err)
	}

	if schemaOutput == "" {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}
	if err := os.WriteFile(schemaOutput, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write schema file: %w", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "JSON schema for the %s written to %s\n", kind, schemaOutput)
	return nil
}
