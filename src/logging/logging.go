package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process logger. Level uses zerolog's numeric levels
// (-1 trace .. 5 panic); any format other than "json" gets a console writer.
func New(level int, format string) zerolog.Logger {
	var w io.Writer = os.Stdout
	if format != "json" {
		w = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}
	return zerolog.New(w).Level(zerolog.Level(level)).With().Timestamp().Logger()
}

// Component returns a child logger tagged with a component name so log
// lines from the syncer, registry, ipfs, etc. can be told apart.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
