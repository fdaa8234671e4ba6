package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/user/pagecast/internal/config"
)

func newConfigCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "config [input]",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults, the config file and PAGECAST_*
environment variables have been applied.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				c.v.Set(config.InputKey, args[0])
			}
			var cfg config.Config
			if err := c.v.Unmarshal(&cfg); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
			if err := cfg.Resolve(); err != nil {
				return err
			}
			out, err := yaml.Marshal(&cfg)
			if err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			if used := c.v.ConfigFileUsed(); used != "" {
				cmd.Printf("# from %s\n", used)
			}
			cmd.Print(string(out))
			return nil
		},
	}
}
