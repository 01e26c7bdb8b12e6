// SPDX-License-Identifier: AGPL-3.0-only

package commands

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kingpin/v2"
	"github.com/dustin/go-humanize/english"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/afero"
	"github.com/xlab/treeprint"
	"go.uber.org/multierr"

	"github.com/linescript/linescript/pkg/builtins"
	"github.com/linescript/linescript/pkg/engine"
	"github.com/linescript/linescript/pkg/parser"
	"github.com/linescript/linescript/pkg/util/version"
)

// CheckCommand parses scripts against a syntax file and reports the lines it cannot understand.
type CheckCommand struct {
	SyntaxFile   string
	ConfigFile   string
	Scripts      []string
	PrintMetrics bool

	logConfig *LoggerConfig
	fs        afero.Fs
	out       io.Writer
}

func (c *CheckCommand) Register(app *kingpin.Application, logConfig *LoggerConfig) {
	c.logConfig = logConfig
	if c.fs == nil {
		c.fs = afero.NewOsFs()
	}
	if c.out == nil {
		c.out = os.Stdout
	}

	cmd := app.Command("check", "Check that every line of the given scripts is understood.").Action(c.check)
	cmd.Flag("syntax", "YAML file listing the syntaxes scripts are checked against.").Required().StringVar(&c.SyntaxFile)
	cmd.Flag("config", "YAML file with the engine configuration.").StringVar(&c.ConfigFile)
	cmd.Flag("print-metrics", "Print the engine metrics after checking.").BoolVar(&c.PrintMetrics)
	cmd.Arg("scripts", "Scripts to check.").Required().StringsVar(&c.Scripts)
}

// scriptLine is a non-blank, non-comment line of a script.
type scriptLine struct {
	number int
	text   string

	// function is set for unindented function declarations.
	function bool

	owner string
	err   error
}

type script struct {
	path  string
	lines []*scriptLine
}

func readScript(fs afero.Fs, path string) (*script, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read script")
	}

	s := &script{path: path}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for n := 1; scanner.Scan(); n++ {
		raw := strings.TrimRight(scanner.Text(), "\r")
		text := strings.TrimSpace(raw)
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		l := &scriptLine{number: n, text: text}
		if raw[0] != ' ' && raw[0] != '\t' && strings.HasPrefix(text, "function ") {
			l.function = true
			l.text = strings.TrimSpace(strings.TrimSuffix(text, ":"))
		}
		s.lines = append(s.lines, l)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read script %s", path)
	}
	return s, nil
}

func (c *CheckCommand) newEngine(logger log.Logger, reg prometheus.Registerer) (*engine.Engine, error) {
	cfg := engine.DefaultConfig()
	if c.ConfigFile != "" {
		data, err := afero.ReadFile(c.fs, c.ConfigFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read engine config")
		}
		if cfg, err = engine.LoadConfig(bytes.NewReader(data)); err != nil {
			return nil, err
		}
	}

	syntaxes, err := LoadSyntaxFile(c.fs, c.SyntaxFile)
	if err != nil {
		return nil, err
	}

	e, err := engine.New(cfg, logger, reg)
	if err != nil {
		return nil, err
	}
	if _, err := builtins.Register(e); err != nil {
		return nil, err
	}
	if err := syntaxes.Register(e); err != nil {
		return nil, err
	}
	if err := e.Freeze(); err != nil {
		return nil, err
	}
	return e, nil
}

func (c *CheckCommand) check(_ *kingpin.ParseContext) error {
	logger := c.logConfig.Logger()
	reg := prometheus.NewRegistry()
	reg.MustRegister(version.NewCollector("linecheck"))

	e, err := c.newEngine(logger, reg)
	if err != nil {
		return err
	}

	scripts := make([]*script, 0, len(c.Scripts))
	for _, path := range c.Scripts {
		s, err := readScript(c.fs, path)
		if err != nil {
			return err
		}
		scripts = append(scripts, s)
	}

	// Functions are declared before any line is parsed, so calls may precede declarations.
	for _, s := range scripts {
		for _, l := range s.lines {
			if !l.function {
				continue
			}
			fn, err := e.DeclareFunction(s.path, l.text, nil)
			if err != nil {
				l.err = err
				continue
			}
			l.owner = "function " + fn.Name
		}
	}

	failed, total := 0, 0
	for _, s := range scripts {
		for _, l := range s.lines {
			total++
			if l.function {
				if l.err != nil {
					failed++
				}
				continue
			}
			el, err := e.ParseLine(l.text, parser.FromSource(s.path))
			if err != nil {
				l.err = err
				failed++
				level.Debug(logger).Log("msg", "line not understood", "script", s.path, "line", l.number, "err", err)
				continue
			}
			l.owner = el.Owner()
		}
	}

	for _, s := range scripts {
		fmt.Fprintln(c.out, report(s))
	}
	fmt.Fprintf(c.out, "checked %s in %s, %d failed\n",
		english.Plural(total, "line", "lines"), english.Plural(len(scripts), "script", "scripts"), failed)

	var errs error
	if failed > 0 {
		errs = multierr.Append(errs, fmt.Errorf("%s could not be understood", english.Plural(failed, "line", "lines")))
	}
	if err := e.PostCheck(context.Background()); err != nil {
		errs = multierr.Append(errs, err)
	}

	if c.PrintMetrics {
		if err := writeMetrics(c.out, reg); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func report(s *script) string {
	tree := treeprint.NewWithRoot(s.path)
	for _, l := range s.lines {
		if l.err != nil {
			tree.AddMetaNode(l.number, fmt.Sprintf("%s: %v", l.text, l.err))
			continue
		}
		tree.AddMetaNode(l.number, fmt.Sprintf("%s [%s]", l.text, l.owner))
	}
	return tree.String()
}

func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return errors.Wrap(err, "failed to gather metrics")
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return errors.Wrap(err, "failed to write metrics")
		}
	}
	return nil
}
