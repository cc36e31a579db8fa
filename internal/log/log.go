// Package log provides the operator-facing status helpers used by every
// cephtools command. Markers are colorized only when the destination is a TTY.
package log

import (
	"fmt"
	"io"
	"os"

	"github.com/kballard/go-shellquote"
	"golang.org/x/term"
)

// ANSI escape codes.
const (
	reset   = "\033[0m"
	bold    = "\033[1m"
	cyan    = "\033[36m"
	green   = "\033[32m"
	yellow  = "\033[33m"
	magenta = "\033[35m"
	red     = "\033[31m"
)

var (
	stdout  io.Writer = os.Stdout
	stderr  io.Writer = os.Stderr
	verbose bool
)

// SetOutput redirects status output. Passing nil restores the process streams.
func SetOutput(out, errOut io.Writer) {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	stdout, stderr = out, errOut
}

// SetVerbose enables Debug output.
func SetVerbose(v bool) { verbose = v }

// colorize wraps msg in color only when w is a terminal.
func colorize(w io.Writer, color, msg string) string {
	f, ok := w.(*os.File)
	if ok && term.IsTerminal(int(f.Fd())) {
		return color + bold + msg + reset
	}
	return msg
}

func emit(w io.Writer, color, marker, msg string) {
	fmt.Fprintf(w, "%s %s\n", colorize(w, color, marker), msg)
}

func Info(msg string)  { emit(stdout, cyan, "[+]", msg) }
func Ok(msg string)    { emit(stdout, green, "[✓]", msg) }
func Skip(msg string)  { emit(stdout, yellow, "[=]", msg) }
func Warn(msg string)  { emit(stderr, yellow, "[~]", msg) }
func Error(msg string) { emit(stderr, red, "[!]", msg) }

// Debug prints msg only when verbose output is enabled.
func Debug(msg string) {
	if verbose {
		emit(stderr, magenta, "[.]", msg)
	}
}

// Cmd echoes a command line before it runs, shell-quoted so it can be pasted.
func Cmd(name string, args ...string) {
	fmt.Fprintf(stdout, "+ %s\n", shellquote.Join(append([]string{name}, args...)...))
}

// Line writes one raw line of streamed output.
func Line(line string) { fmt.Fprintln(stdout, line) }

// Blank writes an empty line.
func Blank() { fmt.Fprintln(stdout) }
