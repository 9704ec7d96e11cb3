// Package display writes operator-facing progress to the terminal.
// Status glyphs keep long runs scannable: a cycle can take an hour, and
// the terminal transcript is often the only live view an operator has.
package display

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Printer writes status lines to configurable streams. The zero value
// is not usable; call New.
type Printer struct {
	Out io.Writer // progress, summaries
	Err io.Writer // failures
}

// New returns a Printer bound to stdout/stderr.
func New() *Printer {
	return &Printer{Out: os.Stdout, Err: os.Stderr}
}

// Success prints a completed-step line.
func (p *Printer) Success(format string, args ...any) {
	fmt.Fprintf(p.Out, "✅ "+format+"\n", args...)
}

// Warning prints a degraded-but-continuing line.
func (p *Printer) Warning(format string, args ...any) {
	fmt.Fprintf(p.Out, "⚠️  "+format+"\n", args...)
}

// Failure prints an error line to the error stream.
func (p *Printer) Failure(format string, args ...any) {
	fmt.Fprintf(p.Err, "❌ "+format+"\n", args...)
}

// Info prints an informational line.
func (p *Printer) Info(format string, args ...any) {
	fmt.Fprintf(p.Out, "ℹ️  "+format+"\n", args...)
}

// Progress prints an in-flight heartbeat or phase-progress line.
func (p *Printer) Progress(format string, args ...any) {
	fmt.Fprintf(p.Out, "🔄 "+format+"\n", args...)
}

// Banner prints a phase or cycle header.
func (p *Printer) Banner(title string) {
	line := strings.Repeat("=", 60)
	fmt.Fprintf(p.Out, "\n%s\n%s\n%s\n", line, title, line)
}

// Line prints a raw line without any glyph, for streamed subprocess output.
func (p *Printer) Line(s string) {
	fmt.Fprintln(p.Out, s)
}

// Truncate shortens s to at most max bytes, appending a byte-count
// notice when anything was cut.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + fmt.Sprintf("\n...[truncated, %d bytes total]", len(s))
}
