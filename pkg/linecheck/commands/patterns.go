// SPDX-License-Identifier: AGPL-3.0-only

package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/linescript/linescript/pkg/pattern"
)

// PatternsCommand prints how the patterns of a syntax file are compiled.
type PatternsCommand struct {
	SyntaxFile string
	Owners     []string

	fs  afero.Fs
	out io.Writer
}

func (c *PatternsCommand) Register(app *kingpin.Application) {
	if c.fs == nil {
		c.fs = afero.NewOsFs()
	}
	if c.out == nil {
		c.out = os.Stdout
	}

	cmd := app.Command("patterns", "Print the compiled patterns of a syntax file.").Action(c.print)
	cmd.Flag("syntax", "YAML file listing the syntaxes.").Required().StringVar(&c.SyntaxFile)
	cmd.Flag("owner", "Only print the syntaxes of this owner. Can be repeated.").StringsVar(&c.Owners)
}

func (c *PatternsCommand) print(_ *kingpin.ParseContext) error {
	f, err := LoadSyntaxFile(c.fs, c.SyntaxFile)
	if err != nil {
		return err
	}

	owners := make(map[string]bool, len(c.Owners))
	for _, o := range c.Owners {
		owners[o] = true
	}

	printed := 0
	for _, d := range f.Syntaxes {
		if len(owners) > 0 && !owners[d.Owner] {
			continue
		}
		fmt.Fprintf(c.out, "%s (%s)\n", d.Owner, d.Kind)
		for _, src := range d.Patterns {
			p, err := pattern.Compile(src)
			if err != nil {
				return errors.Wrapf(err, "syntax %s", d.Owner)
			}
			fmt.Fprint(c.out, p.Tree())
		}
		printed++
	}
	if printed == 0 && len(owners) > 0 {
		return fmt.Errorf("no syntax is owned by %v", c.Owners)
	}
	return nil
}
