package timeline

import (
	"sort"
)

// Level tags where a visible node sits in the operator-facing hierarchy.
type Level int

const (
	LevelOther Level = iota
	LevelStage
	LevelPhase
	LevelTask
)

func levelOf(k Kind) Level {
	switch k {
	case KindStage:
		return LevelStage
	case KindPhase:
		return LevelPhase
	case KindTask:
		return LevelTask
	default:
		return LevelOther
	}
}

// Node is a record as it appears in the derived tree.
type Node struct {
	Record           Record
	Label            string
	Level            Level
	Collapsible      bool
	AwaitingApproval bool
}

// View is the hierarchy derived from one record set. Records are never
// modified; the view only holds indices into its own copy of them.
type View struct {
	records   []Record
	byID      map[string]int
	children  map[string][]int
	roots     []int
	reachable map[int]bool
	awaiting  map[string]bool
}

// Classify builds the visible forest for a record set.
//
// Job records are hidden and their children are attached to the Job's own
// parent. Checkpoint records and everything below them never appear.
// Records whose parent is missing from the set are dropped, and anything not
// reachable from a root Stage is left out, so malformed input cannot produce
// cycles or nodes with two parents.
func Classify(records []Record) *View {
	v := &View{
		records:   make([]Record, len(records)),
		byID:      make(map[string]int, len(records)),
		children:  make(map[string][]int),
		reachable: make(map[int]bool),
	}
	copy(v.records, records)

	for i, r := range v.records {
		if _, dup := v.byID[r.ID]; dup {
			continue
		}
		v.byID[r.ID] = i
	}

	for i, r := range v.records {
		if v.byID[r.ID] != i || hidden(r.Kind) {
			continue
		}
		if r.ParentID == "" {
			if r.Kind == KindStage {
				v.roots = append(v.roots, i)
			}
			continue
		}
		parent, ok := v.visibleParent(r)
		if !ok {
			continue
		}
		v.children[parent] = append(v.children[parent], i)
	}

	v.sortByOrder(v.roots)
	for id := range v.children {
		v.sortByOrder(v.children[id])
	}

	queue := append([]int(nil), v.roots...)
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		if v.reachable[i] {
			continue
		}
		v.reachable[i] = true
		queue = append(queue, v.children[v.records[i].ID]...)
	}

	v.awaiting = awaitingStages(v.records)
	return v
}

func hidden(k Kind) bool {
	switch k {
	case KindJob, KindCheckpoint, KindCheckpointApproval:
		return true
	default:
		return false
	}
}

// visibleParent walks up through hidden Job layers. It gives up on stale
// parent ids, on Checkpoint ancestry and after len(records) hops.
func (v *View) visibleParent(r Record) (string, bool) {
	id := r.ParentID
	for hops := 0; hops <= len(v.records); hops++ {
		pi, ok := v.byID[id]
		if !ok {
			return "", false
		}
		p := v.records[pi]
		switch p.Kind {
		case KindJob:
			if p.ParentID == "" {
				return "", false
			}
			id = p.ParentID
		case KindCheckpoint, KindCheckpointApproval:
			return "", false
		default:
			return p.ID, true
		}
	}
	return "", false
}

// sortByOrder orders records that carry an ordinal among themselves. Records
// without one are not comparable and stay where the remote listed them.
func (v *View) sortByOrder(idx []int) {
	var slots, ordered []int
	for pos, i := range idx {
		if v.records[i].Order != nil {
			slots = append(slots, pos)
			ordered = append(ordered, i)
		}
	}
	sort.SliceStable(ordered, func(a, b int) bool {
		return *v.records[ordered[a]].Order < *v.records[ordered[b]].Order
	})
	for n, pos := range slots {
		idx[pos] = ordered[n]
	}
}

func (v *View) node(i int) Node {
	r := v.records[i]
	return Node{
		Record:           r,
		Label:            Label(r),
		Level:            levelOf(r.Kind),
		Collapsible:      len(v.children[r.ID]) > 0,
		AwaitingApproval: r.Kind == KindStage && v.awaiting[r.ID],
	}
}

// Roots returns the root stages in display order.
func (v *View) Roots() []Node {
	nodes := make([]Node, 0, len(v.roots))
	for _, i := range v.roots {
		nodes = append(nodes, v.node(i))
	}
	return nodes
}

// Children returns the visible children of a visible node. Unknown or
// unreachable ids have no children.
func (v *View) Children(id string) []Node {
	i, ok := v.byID[id]
	if !ok || !v.reachable[i] {
		return nil
	}
	idx := v.children[id]
	nodes := make([]Node, 0, len(idx))
	for _, c := range idx {
		nodes = append(nodes, v.node(c))
	}
	return nodes
}

// Lookup returns the view node for a visible record.
func (v *View) Lookup(id string) (Node, bool) {
	i, ok := v.byID[id]
	if !ok || !v.reachable[i] {
		return Node{}, false
	}
	return v.node(i), true
}

// Walk visits every visible node depth-first in display order.
func (v *View) Walk(fn func(n Node, depth int)) {
	var visit func(i, depth int)
	visit = func(i, depth int) {
		fn(v.node(i), depth)
		for _, c := range v.children[v.records[i].ID] {
			visit(c, depth+1)
		}
	}
	for _, i := range v.roots {
		visit(i, 0)
	}
}

// IsAwaitingApproval reports whether stageID has an in-progress Checkpoint
// that itself has an in-progress Checkpoint.Approval. A checkpoint without an
// approval child (a timed gate, for instance) does not count.
func IsAwaitingApproval(records []Record, stageID string) bool {
	return awaitingStages(records)[stageID]
}

func awaitingStages(records []Record) map[string]bool {
	approvedCheckpoints := make(map[string]bool)
	for _, r := range records {
		if r.Kind == KindCheckpointApproval && r.State == StateInProgress {
			approvedCheckpoints[r.ParentID] = true
		}
	}
	stages := make(map[string]bool)
	for _, r := range records {
		if r.Kind == KindCheckpoint && r.State == StateInProgress && r.ParentID != "" && approvedCheckpoints[r.ID] {
			stages[r.ParentID] = true
		}
	}
	return stages
}
