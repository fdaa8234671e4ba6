// Package preview drives the compile loop: it turns change requests into
// compiled revisions and hands successful ones to the viewer hub.
package preview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/user/pagecast/internal/compiler"
	"github.com/user/pagecast/internal/db"
	"github.com/user/pagecast/internal/frame"
)

// Publisher receives every successfully compiled revision.
type Publisher interface {
	Publish(fs *frame.FrameSet)
	ClientCount() int
}

// Recorder stores one entry per compile attempt.
type Recorder interface {
	Create(ctx context.Context, rev *db.Revision) error
}

type Options struct {
	Compiler  compiler.Compiler
	Source    compiler.Source
	Publisher Publisher
	// Recorder is optional.
	Recorder Recorder
	// Status receives operator-facing progress lines. Default: os.Stderr.
	Status io.Writer
	Logger *slog.Logger
}

// Stats are point-in-time pipeline counters.
type Stats struct {
	Requests     int64         `json:"requests"`
	Compiles     int64         `json:"compiles"`
	Failures     int64         `json:"failures"`
	Published    int64         `json:"published"`
	LastRevision string        `json:"last_revision,omitempty"`
	LastStatus   string        `json:"last_status,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	LastDuration time.Duration `json:"last_duration_ns"`
	LastCompile  time.Time     `json:"last_compile"`
}

// Pipeline runs at most one compile at a time. Requests that arrive while
// a compile is running collapse into a single follow-up compile.
type Pipeline struct {
	opts    Options
	log     *slog.Logger
	trigger chan struct{}

	requests  atomic.Int64
	compiles  atomic.Int64
	failures  atomic.Int64
	published atomic.Int64

	mu     sync.Mutex
	latest *frame.FrameSet
	last   Stats
	status sync.Mutex
}

func New(opts Options) (*Pipeline, error) {
	if opts.Compiler == nil {
		return nil, errors.New("preview: compiler is required")
	}
	if opts.Publisher == nil {
		return nil, errors.New("preview: publisher is required")
	}
	if opts.Source.Input == "" {
		return nil, errors.New("preview: input is required")
	}
	if opts.Status == nil {
		opts.Status = os.Stderr
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pipeline{
		opts:    opts,
		log:     opts.Logger,
		trigger: make(chan struct{}, 1),
	}, nil
}

// Request asks for a recompile. It never blocks.
func (p *Pipeline) Request() {
	p.requests.Add(1)
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Run compiles once immediately, then once per pending request, until ctx
// is cancelled. Compile failures are reported and do not stop the loop.
func (p *Pipeline) Run(ctx context.Context) error {
	p.log.Info("preview: started", "input", p.opts.Source.Input, "root", p.opts.Source.Root)
	p.CompileOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			p.log.Info("preview: stopped")
			return nil
		case <-p.trigger:
			p.CompileOnce(ctx)
		}
	}
}

// CompileOnce compiles the source and publishes the result. On failure
// nothing is published and viewers keep the previous revision.
func (p *Pipeline) CompileOnce(ctx context.Context) (*frame.FrameSet, error) {
	p.printStatus("compiling ...")
	p.compiles.Add(1)

	started := time.Now()
	fs, err := p.opts.Compiler.Compile(ctx, p.opts.Source)
	elapsed := time.Since(started)

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.failures.Add(1)
		p.printStatus("compiled with errors")
		diags := p.printDiagnostics(err)
		p.log.Warn("preview: compile failed", "error", err, "duration", elapsed)
		p.setLast(Stats{LastStatus: db.StatusError, LastError: err.Error(), LastDuration: elapsed, LastCompile: started})
		p.record(ctx, &db.Revision{
			Input:       p.opts.Source.Input,
			Status:      db.StatusError,
			Duration:    elapsed,
			Error:       err.Error(),
			Diagnostics: diags,
			StartedAt:   started,
		})
		return nil, err
	}

	p.mu.Lock()
	p.latest = fs
	p.mu.Unlock()

	p.opts.Publisher.Publish(fs)
	p.published.Add(1)
	p.printStatus("compiled successfully")

	w, h := fs.Dimensions()
	p.log.Info("preview: compiled",
		"revision", fs.Revision,
		"pages", fs.Len(),
		"size", humanize.Bytes(uint64(fs.Bytes())),
		"duration", elapsed,
	)
	p.setLast(Stats{LastRevision: fs.Revision, LastStatus: db.StatusOK, LastDuration: elapsed, LastCompile: started})
	p.record(ctx, &db.Revision{
		ID:        fs.Revision,
		Input:     p.opts.Source.Input,
		Status:    db.StatusOK,
		PageCount: fs.Len(),
		Width:     w,
		Height:    h,
		Bytes:     fs.Bytes(),
		Duration:  elapsed,
		Viewers:   p.opts.Publisher.ClientCount(),
		StartedAt: started,
	})
	return fs, nil
}

// Latest returns the last successfully compiled revision, or nil.
func (p *Pipeline) Latest() *frame.FrameSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest
}

func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	s := p.last
	p.mu.Unlock()
	s.Requests = p.requests.Load()
	s.Compiles = p.compiles.Load()
	s.Failures = p.failures.Load()
	s.Published = p.published.Load()
	return s
}

func (p *Pipeline) setLast(s Stats) {
	p.mu.Lock()
	p.last = s
	p.mu.Unlock()
}

func (p *Pipeline) record(ctx context.Context, rev *db.Revision) {
	if p.opts.Recorder == nil {
		return
	}
	if err := p.opts.Recorder.Create(ctx, rev); err != nil {
		p.log.Warn("preview: record revision failed", "error", err)
	}
}

func (p *Pipeline) printStatus(msg string) {
	p.status.Lock()
	defer p.status.Unlock()
	fmt.Fprintf(p.opts.Status, "[%s] %s: %s\n", time.Now().Format("15:04:05"), p.opts.Source.Input, msg)
}

// printDiagnostics writes err to the status stream and returns the lines
// it wrote.
func (p *Pipeline) printDiagnostics(err error) []string {
	var lines []string
	var cerr *compiler.Error
	if errors.As(err, &cerr) && len(cerr.Diagnostics) > 0 {
		for _, d := range cerr.Diagnostics {
			lines = append(lines, d.String())
		}
	} else {
		lines = []string{"error: " + err.Error()}
	}

	p.status.Lock()
	defer p.status.Unlock()
	for _, l := range lines {
		fmt.Fprintln(p.opts.Status, l)
	}
	return lines
}
