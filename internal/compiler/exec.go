package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/oklog/ulid/v2"

	"github.com/user/pagecast/internal/frame"
)

// DefaultCommand renders every page of the input to PNG with the typst CLI.
const DefaultCommand = "typst compile --root {root} --format png --ppi {ppi} {input} {output}"

const (
	DefaultPPI     = 144.0
	DefaultTimeout = 60 * time.Second

	outputPattern = "page-{p}.png"
)

type ExecOptions struct {
	PPI     float64
	Timeout time.Duration
	Logger  *slog.Logger
}

func (o *ExecOptions) defaults() {
	if o.PPI <= 0 {
		o.PPI = DefaultPPI
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// ExecCompiler runs an engine command line once per Compile and collects
// the PNG pages it writes into a scratch directory.
//
// The command is split like a POSIX shell would and may reference
// {input}, {root}, {outdir}, {output} and {ppi}. {output} expands to
// "{outdir}/page-{p}.png"; the {p} is left for the engine to fill in.
type ExecCompiler struct {
	argv []string
	opts ExecOptions
}

func NewExecCompiler(command string, opts ExecOptions) (*ExecCompiler, error) {
	if strings.TrimSpace(command) == "" {
		command = DefaultCommand
	}
	argv, err := shellquote.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parse compiler command %q: %w", command, err)
	}
	if len(argv) == 0 {
		return nil, errors.New("compiler command is empty")
	}
	opts.defaults()
	return &ExecCompiler{argv: argv, opts: opts}, nil
}

// Program is the executable the compiler will run.
func (c *ExecCompiler) Program() string { return c.argv[0] }

// Check verifies the engine executable can be found.
func (c *ExecCompiler) Check() error {
	if _, err := exec.LookPath(c.argv[0]); err != nil {
		return fmt.Errorf("compiler %q not found: %w", c.argv[0], err)
	}
	return nil
}

func (c *ExecCompiler) Compile(ctx context.Context, src Source) (*frame.FrameSet, error) {
	outdir, err := os.MkdirTemp("", "pagecast-*")
	if err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	defer os.RemoveAll(outdir)

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	args := c.expand(src, outdir)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if src.Root != "" {
		cmd.Dir = src.Root
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	runErr := cmd.Run()
	output := stderr.String()
	if output == "" {
		output = stdout.String()
	}

	if runErr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("compiler timed out after %s", c.opts.Timeout)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return nil, &Error{Diagnostics: ParseDiagnostics(output)}
		}
		return nil, fmt.Errorf("run compiler: %w", runErr)
	}

	for _, w := range Warnings(ParseDiagnostics(output)) {
		c.opts.Logger.Warn("compiler warning", "diagnostic", w.String())
	}

	pages, err := LoadPages(outdir)
	if err != nil {
		return nil, err
	}
	c.opts.Logger.Debug("engine finished", "pages", len(pages), "duration", time.Since(start))
	return frame.NewFrameSet(ulid.Make().String(), pages), nil
}

func (c *ExecCompiler) expand(src Source, outdir string) []string {
	r := strings.NewReplacer(
		"{input}", src.Input,
		"{root}", src.Root,
		"{outdir}", outdir,
		"{output}", filepath.Join(outdir, outputPattern),
		"{ppi}", strconv.FormatFloat(c.opts.PPI, 'f', -1, 64),
	)
	args := make([]string, len(c.argv))
	for i, a := range c.argv {
		args[i] = r.Replace(a)
	}
	return args
}
