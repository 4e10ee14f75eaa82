// Package diag prints the single-line, errno-carrying fatal diagnostics
// required by §7: "fatal errors print a single-line diagnostic with errno
// and context then terminate." Color is applied only when stderr is a real
// terminal, following the teacher's CLI tooling.
package diag

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/mgutz/ansi"
)

var colorEnabled = isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

// Line formats a single diagnostic line without writing or exiting, so
// callers (tests, cmd/mptctl) can capture it.
func Line(context string, err error, errno int) string {
	msg := fmt.Sprintf("mptdb: fatal: %s: %v (errno=%d)", context, err, errno)
	if colorEnabled {
		msg = ansi.Color(msg, "red+b")
	}
	return msg
}

// Fatal writes Line to stderr and exits the process with a non-zero status,
// matching the exit codes of §6 ("non-zero on metadata corruption or I/O
// fatal").
func Fatal(context string, err error, errno int) {
	fmt.Fprintln(os.Stderr, Line(context, err, errno))
	os.Exit(1)
}
