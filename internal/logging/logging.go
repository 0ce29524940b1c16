// Package logging builds the zerolog logger shared by the relaydesk binaries.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// New returns a logger writing to out at level. A terminal gets the console
// writer; anything else gets one JSON object per line. An empty or unknown
// level means info, and the second return reports whether level parsed.
func New(out io.Writer, level string) (zerolog.Logger, bool) {
	parsed, ok := ParseLevel(level)
	w := out
	if isTerminal(out) {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(parsed).With().Timestamp().Logger(), ok
}

func ParseLevel(level string) (zerolog.Level, bool) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		return zerolog.InfoLevel, true
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		return zerolog.InfoLevel, false
	}
	return parsed, true
}

func isTerminal(out io.Writer) bool {
	f, ok := out.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
