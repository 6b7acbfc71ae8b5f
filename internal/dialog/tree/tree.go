package tree

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tasktalk/server/internal/dialog/config"
)

// Kind discriminates the node forms of a task's success tree.
type Kind int

const (
	KindLeaf Kind = iota
	KindAnd
	KindOr
	KindTask
)

// Node is one node of a compiled success tree. Leaves name an entity to
// collect, task nodes delegate to another task's tree, and/or nodes combine
// children. Progress is not stored here; it lives on the session so trees
// can be shared across conversations.
type Node struct {
	ID       string
	Kind     Kind
	Entity   string
	Task     string
	Tag      string
	MinCount int
	Children []*Node
	Parent   *Node
}

// Leaf reports whether the node is an entity leaf.
func (n *Node) Leaf() bool { return n.Kind == KindLeaf }

// Compile builds the success tree for one task. A task without an explicit
// tree gets an and-node over its entities in declaration order.
func Compile(bot *config.Bot, task string) (*Node, error) {
	spec, ok := bot.Tasks[task]
	if !ok {
		return nil, fmt.Errorf("unknown task %q", task)
	}
	if spec.Success == nil {
		root := &Node{ID: "", Kind: KindAnd}
		for i, name := range spec.Entities.Names {
			leaf := &Node{
				ID:     strconv.Itoa(i),
				Kind:   KindLeaf,
				Entity: name,
				Tag:    spec.Entities.Specs[name].Tag,
				Parent: root,
			}
			root.Children = append(root.Children, leaf)
		}
		return root, nil
	}
	return compileSpec(bot, spec, spec.Success, "")
}

func compileSpec(bot *config.Bot, task *config.TaskSpec, ns *config.NodeSpec, id string) (*Node, error) {
	switch {
	case ns.Entity != "":
		name, minCount := config.SplitGroupRef(ns.Entity)
		if members, ok := task.EntityGroups[name]; ok {
			// group reference expands to an or-node over its members
			group := &Node{ID: id, Kind: KindOr, Tag: ns.Tag, MinCount: max1(minCount)}
			for i, m := range members {
				child := &Node{
					ID:     childID(id, i),
					Kind:   KindLeaf,
					Entity: m,
					Parent: group,
				}
				if spec, ok := task.Entities.Get(m); ok {
					child.Tag = spec.Tag
				}
				group.Children = append(group.Children, child)
			}
			return group, nil
		}
		leaf := &Node{ID: id, Kind: KindLeaf, Entity: name, Tag: ns.Tag}
		if spec, ok := task.Entities.Get(name); ok && leaf.Tag == "" {
			leaf.Tag = spec.Tag
		}
		return leaf, nil
	case ns.Task != "":
		return &Node{ID: id, Kind: KindTask, Task: ns.Task, Tag: ns.Tag}, nil
	case len(ns.And) > 0:
		node := &Node{ID: id, Kind: KindAnd, Tag: ns.Tag}
		for i, c := range ns.And {
			child, err := compileSpec(bot, task, c, childID(id, i))
			if err != nil {
				return nil, err
			}
			child.Parent = node
			node.Children = append(node.Children, child)
		}
		return node, nil
	case len(ns.Or) > 0:
		node := &Node{ID: id, Kind: KindOr, Tag: ns.Tag, MinCount: 1}
		for i, c := range ns.Or {
			child, err := compileSpec(bot, task, c, childID(id, i))
			if err != nil {
				return nil, err
			}
			child.Parent = node
			node.Children = append(node.Children, child)
		}
		return node, nil
	}
	return nil, fmt.Errorf("empty tree node in task config")
}

func childID(parent string, i int) string {
	if parent == "" {
		return strconv.Itoa(i)
	}
	return parent + "." + strconv.Itoa(i)
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// Find resolves a node ID within the tree.
func (n *Node) Find(id string) *Node {
	if n.ID == id {
		return n
	}
	for _, c := range n.Children {
		if id == c.ID || strings.HasPrefix(id, c.ID+".") {
			return c.Find(id)
		}
	}
	return nil
}

// Walk visits every node depth-first, children in order.
func (n *Node) Walk(fn func(*Node) bool) bool {
	if !fn(n) {
		return false
	}
	for _, c := range n.Children {
		if !c.Walk(fn) {
			return false
		}
	}
	return true
}
