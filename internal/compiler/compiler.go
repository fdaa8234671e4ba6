// Package compiler wraps an external typesetting engine behind a single
// Compile call that yields rasterized pages or structured diagnostics.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/user/pagecast/internal/frame"
)

// ErrNoPages is returned when the engine succeeded but wrote no images.
var ErrNoPages = errors.New("engine produced no pages")

// Source names the document to compile.
type Source struct {
	// Input is the main document file.
	Input string
	// Root bounds the files the engine may read.
	Root string
}

// Compiler turns the current state of a source tree into a revision.
// Implementations need not be safe for concurrent use.
type Compiler interface {
	Compile(ctx context.Context, src Source) (*frame.FrameSet, error)
}

// Func adapts a plain function to Compiler.
type Func func(ctx context.Context, src Source) (*frame.FrameSet, error)

func (f Func) Compile(ctx context.Context, src Source) (*frame.FrameSet, error) {
	return f(ctx, src)
}

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Position is a location in a source file. Line and Column are 1-based.
type Position struct {
	Path   string `json:"path"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

func (p Position) String() string {
	return fmt.Sprintf("%s:%d:%d", p.Path, p.Line, p.Column)
}

type Diagnostic struct {
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
	Pos      *Position `json:"pos,omitempty"`
	Hints    []string  `json:"hints,omitempty"`
}

func (d Diagnostic) String() string {
	var b strings.Builder
	b.WriteString(string(d.Severity))
	b.WriteString(": ")
	if d.Pos != nil {
		b.WriteString(d.Pos.String())
		b.WriteString(": ")
	}
	b.WriteString(d.Message)
	for _, h := range d.Hints {
		b.WriteString("\n  hint: ")
		b.WriteString(h)
	}
	return b.String()
}

// Error is a failed compilation. It is expected and non-fatal.
type Error struct {
	Diagnostics []Diagnostic
}

func (e *Error) Error() string {
	errs := 0
	for _, d := range e.Diagnostics {
		if d.Severity == SeverityError {
			errs++
		}
	}
	if len(e.Diagnostics) == 0 {
		return "compilation failed"
	}
	first := e.Diagnostics[0].String()
	if i := strings.IndexByte(first, '\n'); i >= 0 {
		first = first[:i]
	}
	if errs <= 1 {
		return "compilation failed: " + first
	}
	return fmt.Sprintf("compilation failed with %d errors: %s", errs, first)
}
