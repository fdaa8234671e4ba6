package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/user/pagecast/configs"
	"github.com/user/pagecast/internal/config"
)

func newInitCmd(c *cli) *cobra.Command {
	var withToken bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default " + config.ConfigFileName,
		Long: `Create a commented ` + config.ConfigFileName + ` in the current directory (or at
--config) so it can be edited by hand. Existing files are never overwritten.`,
		Args: cobra.NoArgs,
		// The file being created must not be read first.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			target := c.configFile
			if target == "" {
				target = config.ConfigFileName
			}
			if _, err := os.Stat(target); err == nil {
				return fmt.Errorf("failed to write config file: %s already exists", target)
			} else if !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to write config file: %w", err)
			}

			data := configs.DefaultConfig
			if withToken {
				token, err := config.GenerateToken()
				if err != nil {
					return fmt.Errorf("failed to generate token: %w", err)
				}
				data, err = setScalar(data, config.TokenKey, token)
				if err != nil {
					return err
				}
			}

			if err := os.WriteFile(target, data, 0o600); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			cmd.Printf("wrote %s\n", target)
			return nil
		},
	}

	cmd.Flags().BoolVar(&withToken, withTokenFlag, false, "generate a random access token")
	return cmd
}

// setScalar replaces a top-level scalar in a YAML document, keeping the
// comments around it.
func setScalar(doc []byte, key, value string) ([]byte, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(doc, &root); err != nil {
		return nil, fmt.Errorf("failed to parse default config: %w", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return nil, errors.New("default config is not a mapping")
	}
	m := root.Content[0]
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			m.Content[i+1].Value = value
			m.Content[i+1].Tag = "!!str"
			m.Content[i+1].Style = yaml.DoubleQuotedStyle
			return yaml.Marshal(&root)
		}
	}
	return nil, fmt.Errorf("default config has no %q key", key)
}
