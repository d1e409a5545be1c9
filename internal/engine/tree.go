package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/ppiankov/procwatch/internal/model"
)

// node is one tree entry. Edges are PIDs, never pointers: parent is 0 for
// roots and children holds PIDs owned by this node.
type node struct {
	rec      model.ProcessRecord
	parent   int
	children map[int]struct{}

	// wantParent is a reported parent PID not linked yet.
	wantParent int
	// removeAt is when a terminal node may be swept.
	removeAt time.Time
}

// tree is the process tree. It is not safe for concurrent use; the
// manager serializes access.
type tree struct {
	nodes map[int]*node
	roots map[int]struct{}

	passes       int
	cyclesBroken uint64
}

func newTree(passes int) *tree {
	if passes <= 0 {
		passes = 3
	}
	return &tree{
		nodes:  make(map[int]*node),
		roots:  make(map[int]struct{}),
		passes: passes,
	}
}

func (t *tree) get(pid int) *node { return t.nodes[pid] }

func (t *tree) len() int { return len(t.nodes) }

// insert adds rec as a root. The caller must have removed any previous
// node for the PID.
func (t *tree) insert(rec model.ProcessRecord) *node {
	n := &node{
		rec:        rec,
		children:   make(map[int]struct{}),
		wantParent: rec.ParentPID,
	}
	t.nodes[rec.PID] = n
	t.roots[rec.PID] = struct{}{}
	return n
}

// canLink reports whether child may hang under parent: the parent must be
// live, must not start after the child, and must not be a descendant.
func (t *tree) canLink(child, parent *node) (ok bool, cycle bool) {
	if child == parent || parent.rec.Terminal() {
		return false, false
	}
	cs, ps := child.rec.StartTime, parent.rec.StartTime
	if !cs.IsZero() && !ps.IsZero() && ps.After(cs) {
		return false, false
	}
	for a, steps := parent, 0; a != nil && steps <= len(t.nodes); steps++ {
		if a == child {
			return false, true
		}
		if a.parent == 0 {
			break
		}
		a = t.nodes[a.parent]
	}
	return true, false
}

// link attaches child under parent and keeps both edge sets consistent.
func (t *tree) link(childPID, parentPID int) bool {
	child, parent := t.nodes[childPID], t.nodes[parentPID]
	if child == nil || parent == nil {
		return false
	}
	if child.parent == parentPID {
		return true
	}
	ok, cycle := t.canLink(child, parent)
	if cycle {
		t.cyclesBroken++
		child.wantParent = 0
	}
	if !ok {
		return false
	}
	t.detach(child)
	delete(t.roots, childPID)
	child.parent = parentPID
	parent.children[childPID] = struct{}{}
	child.wantParent = 0
	child.rec.ParentPID = parentPID
	return true
}

// detach moves n to the root set.
func (t *tree) detach(n *node) {
	if n.parent != 0 {
		if p := t.nodes[n.parent]; p != nil {
			delete(p.children, n.rec.PID)
		}
		n.parent = 0
	}
	t.roots[n.rec.PID] = struct{}{}
}

// linkPending runs bounded passes over unlinked roots that know their
// parent PID. Each pass may enable the next, since a parent can itself be
// linked during a pass. It returns the link count and the live nodes it
// orphaned because their parent had already exited.
func (t *tree) linkPending() (int, []int) {
	linked := 0
	var orphaned []int
	for pass := 0; pass < t.passes; pass++ {
		progress := false
		for _, pid := range t.sortedRoots() {
			n := t.nodes[pid]
			if n == nil || n.wantParent == 0 {
				continue
			}
			parent := t.nodes[n.wantParent]
			if parent == nil {
				continue
			}
			if parent.rec.Terminal() {
				n.wantParent = 0
				if !n.rec.Terminal() && n.rec.State != model.StateOrphaned {
					n.rec.State = model.StateOrphaned
					orphaned = append(orphaned, pid)
				}
				continue
			}
			if t.link(pid, n.wantParent) {
				linked++
				progress = true
			}
		}
		if !progress {
			break
		}
	}
	return linked, orphaned
}

// orphan detaches every child of pid into the root set and marks live
// children Orphaned. It returns the orphaned PIDs.
func (t *tree) orphan(pid int) []int {
	n := t.nodes[pid]
	if n == nil {
		return nil
	}
	var out []int
	for c := range n.children {
		child := t.nodes[c]
		if child == nil {
			continue
		}
		child.parent = 0
		child.wantParent = 0
		t.roots[c] = struct{}{}
		if !child.rec.Terminal() {
			child.rec.State = model.StateOrphaned
		}
		out = append(out, c)
	}
	n.children = make(map[int]struct{})
	sort.Ints(out)
	return out
}

// remove deletes pid. Its children, if any, become roots.
func (t *tree) remove(pid int) bool {
	n := t.nodes[pid]
	if n == nil {
		return false
	}
	for c := range n.children {
		if child := t.nodes[c]; child != nil {
			child.parent = 0
			t.roots[c] = struct{}{}
		}
	}
	if n.parent != 0 {
		if p := t.nodes[n.parent]; p != nil {
			delete(p.children, pid)
		}
	}
	delete(t.roots, pid)
	delete(t.nodes, pid)
	return true
}

// sweep removes terminal nodes whose grace period has elapsed.
func (t *tree) sweep(now time.Time) []int {
	var removed []int
	for pid, n := range t.nodes {
		if n.rec.Terminal() && !n.removeAt.After(now) {
			removed = append(removed, pid)
		}
	}
	sort.Ints(removed)
	for _, pid := range removed {
		t.remove(pid)
	}
	return removed
}

func (t *tree) clear() int {
	n := len(t.nodes)
	t.nodes = make(map[int]*node)
	t.roots = make(map[int]struct{})
	return n
}

func (t *tree) sortedRoots() []int {
	out := make([]int, 0, len(t.roots))
	for pid := range t.roots {
		out = append(out, pid)
	}
	sort.Ints(out)
	return out
}

func (t *tree) sortedPIDs() []int {
	out := make([]int, 0, len(t.nodes))
	for pid := range t.nodes {
		out = append(out, pid)
	}
	sort.Ints(out)
	return out
}

// view copies n for callers.
func (t *tree) view(n *node) model.ProcessNode {
	v := model.ProcessNode{Record: n.rec.Clone(), Parent: n.parent}
	if len(n.children) > 0 {
		v.Children = make([]int, 0, len(n.children))
		for c := range n.children {
			v.Children = append(v.Children, c)
		}
		sort.Ints(v.Children)
	}
	return v
}

// counts returns orphan and pending-sweep totals.
func (t *tree) counts() (orphans, pending int) {
	for _, n := range t.nodes {
		switch {
		case n.rec.Terminal():
			pending++
		case n.rec.State == model.StateOrphaned:
			orphans++
		}
	}
	return orphans, pending
}

// verify checks edge consistency: a node is a root exactly when it has no
// parent, and every parent edge is mirrored in the parent's children.
func (t *tree) verify() error {
	for pid, n := range t.nodes {
		_, isRoot := t.roots[pid]
		if n.parent == 0 {
			if !isRoot {
				return fmt.Errorf("pid %d has no parent but is not a root", pid)
			}
			continue
		}
		if isRoot {
			return fmt.Errorf("pid %d has parent %d and is a root", pid, n.parent)
		}
		p := t.nodes[n.parent]
		if p == nil {
			return fmt.Errorf("pid %d has missing parent %d", pid, n.parent)
		}
		if _, ok := p.children[pid]; !ok {
			return fmt.Errorf("parent %d does not list child %d", n.parent, pid)
		}
	}
	for pid := range t.roots {
		if t.nodes[pid] == nil {
			return fmt.Errorf("root %d has no node", pid)
		}
	}
	for pid, n := range t.nodes {
		for c := range n.children {
			child := t.nodes[c]
			if child == nil || child.parent != pid {
				return fmt.Errorf("child %d of %d does not point back", c, pid)
			}
		}
	}
	return nil
}
