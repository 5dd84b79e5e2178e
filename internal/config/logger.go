package config

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger. Console output is meant for
// development; json is what log shippers expect.
func NewLogger(l Logging, w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(l.Level)
	if err != nil {
		return zerolog.Logger{}, err
	}
	if w == nil {
		w = os.Stdout
	}
	if l.Format == LogFormatConsole {
		w = zerolog.ConsoleWriter{Out: w}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Caller().Logger(), nil
}
