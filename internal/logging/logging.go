// Package logging wires the subsystem loggers used across the service.
package logging

import (
	"os"
	"strings"

	golog "github.com/ipfs/go-log/v2"
)

// Subsystems that get a per-subsystem override from LOG_LEVEL_<NAME>.
var subsystems = []string{
	"server", "rooms", "hub", "signaling", "media", "peer", "call", "backend", "client",
}

// Logger returns the named subsystem logger.
func Logger(name string) *golog.ZapEventLogger {
	return golog.Logger(name)
}

// Setup applies level to every subsystem logger, then any LOG_LEVEL_<SUBSYSTEM>
// override found in the environment.
func Setup(level string) {
	lvl, err := golog.LevelFromString(level)
	if err != nil {
		lvl = golog.LevelInfo
		golog.Logger("server").Warnf("Invalid log level: %s, using info", level)
	}
	golog.SetAllLoggers(lvl)

	for _, name := range subsystems {
		override := os.Getenv("LOG_LEVEL_" + strings.ToUpper(name))
		if override == "" {
			continue
		}
		if err := golog.SetLogLevel(name, override); err != nil {
			golog.Logger("server").Warnf("Invalid log level %q for %s: %v", override, name, err)
		}
	}
}
