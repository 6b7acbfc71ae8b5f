package tree

import (
	"fmt"

	"github.com/tasktalk/server/internal/dialog/model"
)

// Status of a node given a session's recorded progress.
type Status int

const (
	StatusPending Status = iota
	StatusSuccess
	StatusFailed
)

// Manager evaluates compiled success trees against session progress and
// picks the next node to work on. A single Manager serves every
// conversation; all per-conversation progress lives on the Session.
type Manager struct {
	trees map[string]*Node
}

// NewManager compiles a tree for each configured task.
func NewManager(compile func(task string) (*Node, error), tasks []string) (*Manager, error) {
	m := &Manager{trees: make(map[string]*Node, len(tasks))}
	for _, t := range tasks {
		root, err := compile(t)
		if err != nil {
			return nil, fmt.Errorf("compile tree for %q: %w", t, err)
		}
		m.trees[t] = root
	}
	return m, nil
}

// Tree returns the compiled root for a task.
func (m *Manager) Tree(task string) *Node {
	return m.trees[task]
}

// NodeStatus resolves a node against the session's progress records.
func (m *Manager) NodeStatus(sess *model.Session, task string, n *Node) Status {
	switch n.Kind {
	case KindLeaf:
		if containsID(sess.DoneNodes[task], n.ID) {
			return StatusSuccess
		}
		if containsID(sess.FailedNodes[task], n.ID) {
			return StatusFailed
		}
		return StatusPending
	case KindTask:
		// a referenced task completes once for the whole conversation
		if sess.FinishedTasks[n.Task] {
			if sess.TaskSucceeded[n.Task] {
				return StatusSuccess
			}
			return StatusFailed
		}
		return StatusPending
	case KindAnd:
		all := StatusSuccess
		for _, c := range n.Children {
			switch m.NodeStatus(sess, task, c) {
			case StatusFailed:
				return StatusFailed
			case StatusPending:
				all = StatusPending
			}
		}
		return all
	case KindOr:
		succ, pending := 0, 0
		for _, c := range n.Children {
			switch m.NodeStatus(sess, task, c) {
			case StatusSuccess:
				succ++
			case StatusPending:
				pending++
			}
		}
		if succ >= n.MinCount {
			return StatusSuccess
		}
		if succ+pending < n.MinCount {
			return StatusFailed
		}
		return StatusPending
	}
	return StatusPending
}

// Next returns the first pending leaf or task node in depth-first order,
// skipping subtrees that are already resolved. nil means the tree is done.
func (m *Manager) Next(sess *model.Session, task string) *Node {
	root, ok := m.trees[task]
	if !ok {
		return nil
	}
	return m.nextIn(sess, task, root)
}

func (m *Manager) nextIn(sess *model.Session, task string, n *Node) *Node {
	if m.NodeStatus(sess, task, n) != StatusPending {
		return nil
	}
	switch n.Kind {
	case KindLeaf, KindTask:
		return n
	default:
		for _, c := range n.Children {
			if got := m.nextIn(sess, task, c); got != nil {
				return got
			}
		}
	}
	return nil
}

// Current resolves the session's cursor for a task, falling back to the
// next pending node when no cursor is set or the cursor is stale.
func (m *Manager) Current(sess *model.Session, task string) *Node {
	root, ok := m.trees[task]
	if !ok {
		return nil
	}
	if id, ok := sess.TreeCursors[task]; ok {
		if n := root.Find(id); n != nil && m.NodeStatus(sess, task, n) == StatusPending {
			return n
		}
	}
	return m.Next(sess, task)
}

// MarkLeaf records a leaf outcome, refreshes the task's finish state and
// moves the cursor to the next pending node.
func (m *Manager) MarkLeaf(sess *model.Session, task, nodeID string, success bool) {
	if success {
		if !containsID(sess.DoneNodes[task], nodeID) {
			sess.DoneNodes[task] = append(sess.DoneNodes[task], nodeID)
		}
	} else {
		if !containsID(sess.FailedNodes[task], nodeID) {
			sess.FailedNodes[task] = append(sess.FailedNodes[task], nodeID)
		}
	}
	m.refresh(sess, task)
}

// ForceFinish marks a task finished regardless of remaining nodes, used
// when a task exceeds its turn budget or is abandoned.
func (m *Manager) ForceFinish(sess *model.Session, task string, success bool) {
	sess.FinishedTasks[task] = true
	sess.TaskSucceeded[task] = success
	delete(sess.TreeCursors, task)
}

// Finished reports whether the task's tree is fully resolved.
func (m *Manager) Finished(sess *model.Session, task string) bool {
	return sess.FinishedTasks[task]
}

// Succeeded reports the recorded outcome of a finished task.
func (m *Manager) Succeeded(sess *model.Session, task string) bool {
	return sess.TaskSucceeded[task]
}

// Reset clears a task's progress so it can run again.
func (m *Manager) Reset(sess *model.Session, task string) {
	delete(sess.DoneNodes, task)
	delete(sess.FailedNodes, task)
	delete(sess.FinishedTasks, task)
	delete(sess.TaskSucceeded, task)
	delete(sess.TreeCursors, task)
}

func (m *Manager) refresh(sess *model.Session, task string) {
	root, ok := m.trees[task]
	if !ok {
		return
	}
	switch m.NodeStatus(sess, task, root) {
	case StatusSuccess:
		sess.FinishedTasks[task] = true
		sess.TaskSucceeded[task] = true
		delete(sess.TreeCursors, task)
	case StatusFailed:
		sess.FinishedTasks[task] = true
		sess.TaskSucceeded[task] = false
		delete(sess.TreeCursors, task)
	default:
		if next := m.Next(sess, task); next != nil {
			sess.TreeCursors[task] = next.ID
		}
	}
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
