package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is the global logger instance. Components derive their own loggers
// from it via WithComponent.
var Logger zerolog.Logger

func init() {
	// Default until Init runs: info level, plain JSON on stderr. Logs go to
	// stderr so command output (config show etc.) stays parseable on stdout.
	Logger = zerolog.New(os.Stderr).
		With().
		Timestamp().
		Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = Logger
}

// Init configures the global logger. Unknown level strings fall back to info.
func Init(level string, pretty bool) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var output io.Writer = os.Stderr
	if pretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		}
	}

	Logger = zerolog.New(output).
		With().
		Timestamp().
		Logger()
	log.Logger = Logger
}

// Get returns the global logger instance.
func Get() *zerolog.Logger {
	return &Logger
}

// WithComponent returns a logger with a component field set.
func WithComponent(component string) *zerolog.Logger {
	l := Logger.With().Str("component", component).Logger()
	return &l
}
