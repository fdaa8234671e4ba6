package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/pagecast/internal/app"
	"github.com/user/pagecast/internal/config"
)

func newWatchCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <input>",
		Short: "Serve a live preview and recompile on every change",
		Long: `Compile input, serve the viewer and stream updated pages to every
connected browser whenever a file under the root changes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load(args[0])
			if err != nil {
				return err
			}
			logger := configureLogger(cfg.Log, cfg.SlogLevel(), cmd.ErrOrStderr())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, app.WithLogger(logger), app.WithStatus(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer a.Close()

			cmd.Printf("\npagecast watching %s\nviewer at %s\n\n", cfg.Input, a.URL())
			return a.Run(ctx)
		},
	}

	flags := cmd.Flags()
	flags.String(listenFlagName, c.v.GetString(config.ListenKey), "address to serve the viewer on")
	c.bindFlag(flags.Lookup(listenFlagName), config.ListenKey)
	flags.String(tokenFlagName, "", "require this token from viewers and API clients")
	c.bindFlag(flags.Lookup(tokenFlagName), config.TokenKey)
	flags.Duration(debounceFlagName, c.v.GetDuration(config.WatchDebounceKey), "quiet period before recompiling")
	c.bindFlag(flags.Lookup(debounceFlagName), config.WatchDebounceKey)

	return cmd
}
