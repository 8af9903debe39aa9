package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/stratus/pkg/config"
)

const exampleLibrary = `package library

id: "starter"

entities: Network: description: "An address range services attach to"

components: {
	"net.network": {
		kind: "unit"
		args: cidr: {schema: "string", required: true}
		outputs: network: type: "Network"
	}
	"app.service": {
		kind: "unit"
		inputs: network: {type: "Network", required: true}
	}
}
`

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a Stratus workspace",
		Long: `Initialize a new workspace with a default configuration, a starter library and
an empty projects directory. The state database is created on first use.`,
		Example: `  # Initialize the current directory
  stratus init

  # Initialize another directory, overwriting an existing config
  stratus init ./infra --force`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			log.Info().Str("dir", dir).Msg("Initializing workspace")

			for _, d := range []string{dir, filepath.Join(dir, "library"), filepath.Join(dir, "projects")} {
				if err := os.MkdirAll(d, 0755); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", d, err)
				}
			}

			configFile := filepath.Join(dir, config.DefaultFileName)
			if _, err := os.Stat(configFile); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", configFile)
			}
			if err := os.WriteFile(configFile, []byte(config.DefaultContent), 0644); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			fmt.Printf("Created config file: %s\n", configFile)

			libFile := filepath.Join(dir, "library", "library.cue")
			if _, err := os.Stat(libFile); os.IsNotExist(err) {
				if err := os.WriteFile(libFile, []byte(exampleLibrary), 0644); err != nil {
					return fmt.Errorf("failed to write library: %w", err)
				}
				fmt.Printf("Created starter library: %s\n", libFile)
			}

			if _, err := config.Load(configFile); err != nil {
				return fmt.Errorf("generated config is invalid: %w", err)
			}

			fmt.Printf("\nWorkspace initialized. Add project files under %s\n", filepath.Join(dir, "projects"))
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}
