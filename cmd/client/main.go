package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/efortin/maas-api/internal/tier"
)

var (
	tierSpecs []string
	namespace string
	name      string
)

var rootCmd = &cobra.Command{
	Use:   "maas-tiers",
	Short: "Generate the tier mapping ConfigMap for maas-api",
	Long: `Generate the ConfigMap mapping user groups to access tiers.

Each --tier flag describes one tier as name:level:groups[@models], where
groups and models are comma separated lists. Group names may contain colons. A tier without models may
access every model. Tiers are written in the order given; a group may
only belong to one tier.`,
	Example: `  maas-tiers -n maas-api \
    --tier free:0:system:authenticated \
    --tier premium:10:premium-users@qwen3,granite | kubectl apply -f -`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringArrayVarP(&tierSpecs, "tier", "t", nil, "Tier as name:level:groups[@models] (repeatable, required)")
	rootCmd.Flags().StringVarP(&namespace, "namespace", "n", "maas-api", "Namespace of the ConfigMap")
	rootCmd.Flags().StringVar(&name, "name", tier.MappingConfigMap, "Name of the ConfigMap")

	if err := rootCmd.MarkFlagRequired("tier"); err != nil {
		panic(fmt.Sprintf("Failed to mark tier flag as required: %v", err))
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	return generate(cmd.OutOrStdout(), namespace, name, tierSpecs)
}

func generate(w io.Writer, namespace, name string, specs []string) error {
	tiers := make([]tier.Tier, 0, len(specs))
	for _, spec := range specs {
		t, err := tier.ParseSpec(spec)
		if err != nil {
			return err
		}
		tiers = append(tiers, t)
	}

	out, err := tier.Render(namespace, name, tiers)
	if err != nil {
		return fmt.Errorf("failed to generate YAML: %w", err)
	}

	_, err = fmt.Fprint(w, out)
	return err
}
