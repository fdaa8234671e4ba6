// Package cli provides the pagecast command tree.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/user/pagecast/internal/config"
)

const (
	configFlagName  = "config"
	rootFlagName    = "root"
	ppiFlagName     = "ppi"
	verboseFlagName = "verbose"
	logFileFlagName = "log-file"

	listenFlagName   = "listen"
	tokenFlagName    = "token"
	debounceFlagName = "debounce"
	outFlagName      = "out"
	withTokenFlag    = "with-token"
)

const rootLongDescription = `pagecast compiles a document with an external typesetting engine and
streams the rendered pages to browser viewers. After each save only the
pages that changed are sent.`

// cli carries the state shared by one command tree.
type cli struct {
	v          *viper.Viper
	configFile string
}

func newCLI() *cli {
	v := viper.New()
	config.SetDefaults(v)
	config.ConfigureEnv(v)
	return &cli{v: v}
}

func newRootCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pagecast",
		Short:         "Live page preview for typeset documents",
		Long:          rootLongDescription,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return c.readConfig()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&c.configFile, configFlagName, "c", "", "config file (default ./"+config.ConfigFileName+")")
	flags.String(rootFlagName, "", "project root the engine may read from (default: directory of input)")
	c.bindFlag(flags.Lookup(rootFlagName), config.RootKey)
	flags.Float64(ppiFlagName, c.v.GetFloat64(config.PPIKey), "raster resolution in pixels per inch")
	c.bindFlag(flags.Lookup(ppiFlagName), config.PPIKey)
	flags.BoolP(verboseFlagName, "v", false, "log at debug level")
	c.bindFlag(flags.Lookup(verboseFlagName), config.LogVerboseKey)
	flags.String(logFileFlagName, "", "write logs to a rotated file instead of stderr")
	c.bindFlag(flags.Lookup(logFileFlagName), config.LogFilenameKey)

	cmd.AddCommand(
		newWatchCmd(c),
		newCompileCmd(c),
		newConfigCmd(c),
		newInitCmd(c),
		newVersionCmd(),
	)
	return cmd
}

// bindFlag wires a flag to a viper key so config and env values feed it.
func (c *cli) bindFlag(flag *pflag.Flag, key string) {
	if flag == nil {
		cobra.CheckErr(fmt.Errorf("flag for config key %q not found", key))
		return
	}
	cobra.CheckErr(c.v.BindPFlag(key, flag))
}

// readConfig loads the config file. A missing default file is fine; a
// missing explicit one is not.
func (c *cli) readConfig() error {
	if c.configFile != "" {
		c.v.SetConfigFile(c.configFile)
	} else {
		c.v.SetConfigName(config.ConfigBaseName)
		c.v.SetConfigType("yaml")
		c.v.AddConfigPath(".")
	}
	if err := c.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

// load resolves the effective configuration for input.
func (c *cli) load(input string) (*config.Config, error) {
	if input != "" {
		c.v.Set(config.InputKey, input)
	}
	return config.Load(c.v)
}

// Execute runs the command tree and exits 1 on failure.
func Execute() {
	cmd := newRootCmd(newCLI())
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
