package fancy

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/tree"
)

// Tree returns a new tree with the shared enumerator styling applied
func Tree() *tree.Tree {
	t := tree.New()
	t.EnumeratorStyle(BranchStyle)
	t.Enumerator(tree.RoundedEnumerator)
	return t
}

// BranchNode creates a styled section header node. An empty note renders
// the bare title.
func BranchNode(title string, note string) *tree.Tree {
	root := HeaderStyle.Render(title)
	if note != "" {
		root = lipgloss.JoinHorizontal(lipgloss.Top, root, " ", InfoStyle.Render(note))
	}
	return tree.New().Root(root)
}

// ComponentTree wraps a styled tree holding one component's details
type ComponentTree struct {
	tree *tree.Tree
}

// NewComponentTree creates a component tree rooted at title
func NewComponentTree(title string) *ComponentTree {
	t := Tree()
	t.Root(title)
	return &ComponentTree{tree: t}
}

// Tree returns the underlying tree
func (c *ComponentTree) Tree() *tree.Tree {
	return c.tree
}

// AddChild adds a child node under the root
func (c *ComponentTree) AddChild(child any) *tree.Tree {
	return c.tree.Child(child)
}

// ServiceTree creates a component tree rooted at a styled service name
func ServiceTree(name string) *ComponentTree {
	return NewComponentTree(ServiceStyle.Render(name))
}

// SagaTree creates a component tree rooted at a styled saga label
func SagaTree(label string) *ComponentTree {
	return NewComponentTree(SagaStyle.Render(label))
}
