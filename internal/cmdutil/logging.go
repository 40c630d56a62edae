// Package cmdutil holds the small pieces shared by the two CLI
// binaries: logger setup, following the daemon's own loggerSetup
// pattern.
package cmdutil

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogging configures the global zerolog logger and returns a
// logger value for injection into the core packages.
func SetupLogging(pretty bool, level int) zerolog.Logger {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	zerolog.SetGlobalLevel(zerolog.Level(level))
	return log.Logger
}
