// SPDX-License-Identifier: AGPL-3.0-only

package commands

import (
	"io"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
)

// LoggerConfig is the logging setup shared by all commands.
type LoggerConfig struct {
	Level  dslog.Level
	Format string

	out io.Writer
}

func (l *LoggerConfig) Register(app *kingpin.Application) {
	app.Flag("log.level", "Only log messages with the given severity or above. Valid levels: [debug, info, warn, error]").
		Default("info").SetValue(&l.Level)
	app.Flag("log.format", "Output log messages in the given format. Valid formats: [logfmt, json]").
		Default("logfmt").EnumVar(&l.Format, "logfmt", "json")
}

// Logger builds the logger. Messages are written to stderr.
func (l *LoggerConfig) Logger() log.Logger {
	out := l.out
	if out == nil {
		out = os.Stderr
	}
	logger := dslog.NewGoKitWithWriter(l.Format, log.NewSyncWriter(out))
	logger = level.NewFilter(logger, l.Level.Option)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}
