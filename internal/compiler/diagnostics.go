package compiler

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// typst: "error: unexpected end of block comment" (optionally "error[E1]:").
	headerPattern = regexp.MustCompile(`^(error|warning)(?:\[[^\]]*\])?:\s*(.*)$`)
	// typst: "  ┌─ main.typ:3:1"
	arrowPattern = regexp.MustCompile(`^\s*[┌╭]─+\s*(.+?):(\d+):(\d+)\s*$`)
	// gcc style: "main.typ:3:1: error: message"
	inlinePattern = regexp.MustCompile(`^(.+?):(\d+):(\d+):\s*(error|warning):\s*(.*)$`)
	hintPattern   = regexp.MustCompile(`^\s*(?:=\s*)?hint:\s*(.*)$`)
)

// ParseDiagnostics extracts diagnostics from engine output. When nothing
// recognizable is found but the output is not blank, the whole trimmed
// output becomes a single error. If the output cannot be scanned to the end
// the failure is appended as an error so later diagnostics are not lost
// silently.
func ParseDiagnostics(output string) []Diagnostic {
	var diags []Diagnostic
	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")

		if m := inlinePattern.FindStringSubmatch(line); m != nil {
			diags = append(diags, Diagnostic{
				Severity: Severity(m[4]),
				Message:  strings.TrimSpace(m[5]),
				Pos:      position(m[1], m[2], m[3]),
			})
			continue
		}
		if m := headerPattern.FindStringSubmatch(line); m != nil {
			diags = append(diags, Diagnostic{
				Severity: Severity(m[1]),
				Message:  strings.TrimSpace(m[2]),
			})
			continue
		}
		if len(diags) == 0 {
			continue
		}
		last := &diags[len(diags)-1]
		if m := arrowPattern.FindStringSubmatch(line); m != nil && last.Pos == nil {
			last.Pos = position(m[1], m[2], m[3])
			continue
		}
		if m := hintPattern.FindStringSubmatch(line); m != nil {
			last.Hints = append(last.Hints, strings.TrimSpace(m[1]))
		}
	}
	if err := sc.Err(); err != nil {
		diags = append(diags, Diagnostic{
			Severity: SeverityError,
			Message:  fmt.Sprintf("engine output truncated: %v", err),
		})
		return diags
	}

	if len(diags) == 0 {
		if msg := strings.TrimSpace(output); msg != "" {
			diags = append(diags, Diagnostic{Severity: SeverityError, Message: msg})
		}
	}
	return diags
}

func position(path, line, col string) *Position {
	l, _ := strconv.Atoi(line)
	c, _ := strconv.Atoi(col)
	return &Position{Path: strings.TrimSpace(path), Line: l, Column: c}
}

// Warnings filters diagnostics down to warnings.
func Warnings(diags []Diagnostic) []Diagnostic {
	var out []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityWarning {
			out = append(out, d)
		}
	}
	return out
}
