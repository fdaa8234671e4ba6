package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/user/pagecast/internal/compiler"
)

func newCompileCmd(c *cli) *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "compile <input>",
		Short: "Compile once and report the pages",
		Long: `Compile input a single time, print a page summary or the diagnostics,
and optionally write each page as page-N.png.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load(args[0])
			if err != nil {
				return err
			}
			logger := configureLogger(cfg.Log, cfg.SlogLevel(), cmd.ErrOrStderr())

			engine, err := compiler.NewExecCompiler(cfg.Compiler.Command, compiler.ExecOptions{
				PPI:     cfg.PPI,
				Timeout: cfg.Compiler.Timeout,
				Logger:  logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			fs, err := engine.Compile(ctx, compiler.Source{Input: cfg.Input, Root: cfg.Root})
			if err != nil {
				var cerr *compiler.Error
				if errors.As(err, &cerr) {
					for _, d := range cerr.Diagnostics {
						fmt.Fprintln(cmd.ErrOrStderr(), d.String())
					}
				}
				return err
			}

			width, height := fs.Dimensions()
			cmd.Printf("%s: %d pages, %dx%d, %s\n", cfg.Input, fs.Len(), width, height, humanize.Bytes(uint64(fs.Bytes())))

			if outDir == "" {
				return nil
			}
			paths, err := compiler.SavePages(outDir, fs)
			if err != nil {
				return err
			}
			for _, p := range paths {
				cmd.Println(p)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outDir, outFlagName, "o", "", "write page-N.png files to this directory")
	return cmd
}
