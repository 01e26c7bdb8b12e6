// SPDX-License-Identifier: AGPL-3.0-only

package pattern

import (
	"fmt"
	"strings"

	"github.com/xlab/treeprint"
)

// Tree renders the compiled pattern for debugging.
func (p *Pattern) Tree() string {
	tree := treeprint.NewWithRoot(p.Source)
	addNodesToTree(tree, p.Nodes)
	return tree.String()
}

func addNodesToTree(tree treeprint.Tree, nodes []Node) {
	for _, n := range nodes {
		switch n := n.(type) {
		case *Literal:
			tree.AddNode(fmt.Sprintf("literal %q", n.Text))
		case *Space:
			tree.AddNode("space")
		case *Optional:
			addAlternativesToTree(tree.AddBranch("optional"), n.Alternatives)
		case *Choice:
			addAlternativesToTree(tree.AddBranch(fmt.Sprintf("choice %d", n.Index)), n.Alternatives)
		case *Placeholder:
			var flags []string
			if n.Optional {
				flags = append(flags, "optional")
			}
			if n.LiteralsOnly {
				flags = append(flags, "literals only")
			}
			if n.ExpressionsOnly {
				flags = append(flags, "expressions only")
			}
			if n.Time != 0 {
				flags = append(flags, fmt.Sprintf("time %d", n.Time))
			}
			label := fmt.Sprintf("placeholder %d: %s", n.Index, strings.Join(n.Types, "/"))
			if len(flags) > 0 {
				label += " (" + strings.Join(flags, ", ") + ")"
			}
			tree.AddNode(label)
		case *Regex:
			tree.AddNode(fmt.Sprintf("regex %d: <%s>", n.Index, n.Source))
		}
	}
}

func addAlternativesToTree(tree treeprint.Tree, alts []*Alternative) {
	for i, alt := range alts {
		label := fmt.Sprintf("alternative %d", i)
		if alt.Mark != 0 {
			label += fmt.Sprintf(" (mark %d)", alt.Mark)
		}
		addNodesToTree(tree.AddBranch(label), alt.Nodes)
	}
}
