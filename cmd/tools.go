// -- cmd/tools.go --
package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/pilot-cli/internal/observability"
	"github.com/xkilldash9x/pilot-cli/internal/tools"
)

// newToolsCmd creates the `tools` command, which lists the registered tool
// schemas the planner can draw on. No browser is launched; the registry only
// needs a session resolver at execution time.
func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the registered tool schemas",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := tools.NewDefaultRegistry(observability.GetLogger(), nil, appCfg.Browser())
			if err != nil {
				return fmt.Errorf("failed to build tool registry: %w", err)
			}

			out := cmd.OutOrStdout()
			for _, schema := range registry.Schemas() {
				marker := ""
				if schema.Destructive {
					marker = " [destructive, asks first]"
				}
				fmt.Fprintf(out, "%s%s\n    %s\n", schema.Name, marker, schema.Description)

				names := make([]string, 0, len(schema.Parameters))
				for name := range schema.Parameters {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					spec := schema.Parameters[name]
					required := "optional"
					if spec.Required {
						required = "required"
					}
					fmt.Fprintf(out, "    - %s (%s, %s): %s\n", name, spec.Type, required, spec.Description)
				}
			}
			return nil
		},
	}
}
