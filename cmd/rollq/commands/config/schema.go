package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"

	"github.com/marmos91/rollq/internal/bytesize"
	"github.com/marmos91/rollq/pkg/config"
	"github.com/marmos91/rollq/pkg/rollcycle"
)

var schemaFile string

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON schema of the configuration file",
	Long: `Print a JSON schema (draft 2020-12) describing the configuration file.
Editors use it for completion; CI can validate files against it.

Sizes are described as unit strings ("64Mi") or byte counts, durations
as Go duration strings ("5s"), and queue.roll_cycle as one of the
predefined cycles.

Examples:
  rollq config schema
  rollq config schema --file rollq.schema.json`,
	Args: cobra.NoArgs,
	RunE: runSchema,
}

func init() {
	schemaCmd.Flags().StringVarP(&schemaFile, "file", "f", "", "Write the schema to this file instead of stdout")
}

var (
	byteSizeType = reflect.TypeOf(bytesize.ByteSize(0))
	durationType = reflect.TypeOf(time.Duration(0))
)

// Schema returns the indented JSON schema of the configuration file.
func Schema() ([]byte, error) {
	r := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
		FieldNameTag:              "yaml",
		Mapper:                    mapConfigType,
	}

	s := r.Reflect(&config.Config{})
	s.Version = "https://json-schema.org/draft/2020-12/schema"
	s.Title = "rollq configuration"
	s.Description = "Configuration file of the rollq command line"

	if q, ok := s.Properties.Get("queue"); ok {
		if rc, ok := q.Properties.Get("roll_cycle"); ok {
			rc.Enum = []any{""}
			for _, name := range rollcycle.Names() {
				rc.Enum = append(rc.Enum, name)
			}
			rc.Description = "Roll cycle of new queues; empty adopts the cycle of an existing queue"
		}
	}

	return json.MarshalIndent(s, "", "  ")
}

func mapConfigType(t reflect.Type) *jsonschema.Schema {
	switch t {
	case byteSizeType:
		return &jsonschema.Schema{
			OneOf: []*jsonschema.Schema{
				{Type: "string", Pattern: `^\s*[0-9]+(\.[0-9]+)?\s*([KkMmGgTt][Ii]?[Bb]?|[Bb])?\s*$`},
				{Type: "integer", Minimum: json.Number("0")},
			},
			Examples: []any{"64Mi", "4Gi"},
		}
	case durationType:
		return &jsonschema.Schema{
			Type:     "string",
			Pattern:  `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
			Examples: []any{"100ms", "5s"},
		}
	}
	return nil
}

func runSchema(cmd *cobra.Command, args []string) error {
	data, err := Schema()
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	if schemaFile == "" {
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n", data)
		return err
	}
	if err := config.WriteFileAtomic(schemaFile, append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write schema: %w", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Schema written to %s\n", schemaFile)
	return nil
}
