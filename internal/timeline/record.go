// Package timeline models the execution graph of a pipeline run and derives
// the navigable view shown to an operator.
package timeline

import (
	"strings"
	"time"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindStage
	KindPhase
	KindJob
	KindTask
	KindCheckpoint
	KindCheckpointApproval
)

func ParseKind(s string) Kind {
	switch s {
	case "Stage":
		return KindStage
	case "Phase":
		return KindPhase
	case "Job":
		return KindJob
	case "Task":
		return KindTask
	case "Checkpoint":
		return KindCheckpoint
	case "Checkpoint.Approval":
		return KindCheckpointApproval
	default:
		return KindUnknown
	}
}

func (k Kind) String() string {
	switch k {
	case KindStage:
		return "Stage"
	case KindPhase:
		return "Phase"
	case KindJob:
		return "Job"
	case KindTask:
		return "Task"
	case KindCheckpoint:
		return "Checkpoint"
	case KindCheckpointApproval:
		return "Checkpoint.Approval"
	default:
		return "Unknown"
	}
}

type State int

const (
	StateUnknown State = iota
	StateNotStarted
	StatePending
	StateInProgress
	StateCompleted
)

// ParseState accepts the remote camelCase spelling in any letter case.
func ParseState(s string) State {
	switch strings.ToLower(s) {
	case "notstarted":
		return StateNotStarted
	case "pending":
		return StatePending
	case "inprogress":
		return StateInProgress
	case "completed":
		return StateCompleted
	default:
		return StateUnknown
	}
}

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "notStarted"
	case StatePending:
		return "pending"
	case StateInProgress:
		return "inProgress"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Active reports whether a record in this state keeps a run timeline worth polling.
func (s State) Active() bool {
	return s == StateInProgress || s == StatePending
}

type Result int

const (
	ResultNone Result = iota
	ResultSucceeded
	ResultPartiallySucceeded
	ResultFailed
	ResultCanceled
	ResultSkipped
	ResultAbandoned
)

func ParseResult(s string) Result {
	switch strings.ToLower(s) {
	case "succeeded":
		return ResultSucceeded
	case "succeededwithissues", "partiallysucceeded":
		return ResultPartiallySucceeded
	case "failed":
		return ResultFailed
	case "canceled", "cancelled":
		return ResultCanceled
	case "skipped":
		return ResultSkipped
	case "abandoned":
		return ResultAbandoned
	default:
		return ResultNone
	}
}

func (r Result) String() string {
	switch r {
	case ResultSucceeded:
		return "succeeded"
	case ResultPartiallySucceeded:
		return "partiallySucceeded"
	case ResultFailed:
		return "failed"
	case ResultCanceled:
		return "canceled"
	case ResultSkipped:
		return "skipped"
	case ResultAbandoned:
		return "abandoned"
	default:
		return "none"
	}
}

// LogRef points at the remote log of a record.
type LogRef struct {
	ID  int
	URL string
}

// Record is one node of a run's execution graph. An empty ParentID marks a root.
type Record struct {
	ID         string
	ParentID   string
	Kind       Kind
	Name       string
	State      State
	Result     Result
	Order      *int
	StartTime  *time.Time
	FinishTime *time.Time
	Log        *LogRef
	// Identifier is the stable stage name used by stage-level actions,
	// distinct from ID which changes between attempts.
	Identifier string
	Attempt    int
}

// Snapshot is the complete record set of one run at a point in time.
// It is never mutated after construction; refreshes replace it.
type Snapshot struct {
	Project   string
	RunID     int
	Records   []Record
	FetchedAt time.Time

	byID map[string]int
}

func NewSnapshot(project string, runID int, records []Record, fetchedAt time.Time) *Snapshot {
	recs := make([]Record, len(records))
	copy(recs, records)
	byID := make(map[string]int, len(recs))
	for i, r := range recs {
		if _, dup := byID[r.ID]; !dup {
			byID[r.ID] = i
		}
	}
	return &Snapshot{
		Project:   project,
		RunID:     runID,
		Records:   recs,
		FetchedAt: fetchedAt,
		byID:      byID,
	}
}

func (s *Snapshot) Find(id string) (Record, bool) {
	if s == nil {
		return Record{}, false
	}
	i, ok := s.byID[id]
	if !ok {
		return Record{}, false
	}
	return s.Records[i], true
}

// Active reports whether any record is still running or waiting to run.
func (s *Snapshot) Active() bool {
	if s == nil {
		return false
	}
	for _, r := range s.Records {
		if r.State.Active() {
			return true
		}
	}
	return false
}
