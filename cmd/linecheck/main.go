// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"os"

	"github.com/alecthomas/kingpin/v2"

	"github.com/linescript/linescript/pkg/linecheck/commands"
	"github.com/linescript/linescript/pkg/util/version"
)

var (
	logConfig       commands.LoggerConfig
	checkCommand    commands.CheckCommand
	patternsCommand commands.PatternsCommand
)

func main() {
	app := kingpin.New("linecheck", "Check scripts against a set of line syntaxes.")
	app.Version(version.Print("linecheck"))
	logConfig.Register(app)
	checkCommand.Register(app, &logConfig)
	patternsCommand.Register(app)
	kingpin.MustParse(app.Parse(os.Args[1:]))
}
