package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global logger from the environment.
// LOG_LEVEL controls the level: trace, debug, info, warn, error (default: info).
// Inside Lambda the output is JSON so CloudWatch Logs Insights can query it;
// elsewhere it is a human-readable console stream.
func Init() {
	InitWith(os.Getenv("LOG_LEVEL"), os.Stderr, os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "")
}

// InitWith configures the global logger explicitly.
func InitWith(level string, out io.Writer, structured bool) {
	zerolog.SetGlobalLevel(ParseLevel(level))
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	if structured {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: out})
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
