package azdo

import (
	"strings"
	"time"

	"github.com/marcin-skalski/azp-monitor/internal/timeline"
)

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	State       string `json:"state"`
}

type Pipeline struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Folder string `json:"folder"`
	Links  Links  `json:"_links"`
}

// Links holds the hypermedia links the remote attaches to a resource. Only
// the browser link is used.
type Links struct {
	Web struct {
		Href string `json:"href"`
	} `json:"web"`
}

type BuildStatus string

const (
	BuildStatusInProgress BuildStatus = "inProgress"
	BuildStatusNotStarted BuildStatus = "notStarted"
	BuildStatusCancelling BuildStatus = "cancelling"
	BuildStatusCompleted  BuildStatus = "completed"
	BuildStatusPostponed  BuildStatus = "postponed"
	BuildStatusNone       BuildStatus = "none"
)

// Active reports whether a build in this status keeps the build list worth polling.
func (s BuildStatus) Active() bool {
	switch BuildStatus(strings.ToLower(string(s))) {
	case "inprogress", "notstarted", "cancelling":
		return true
	default:
		return false
	}
}

type Identity struct {
	DisplayName string `json:"displayName"`
	UniqueName  string `json:"uniqueName"`
}

type Definition struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type Build struct {
	ID           int         `json:"id"`
	Number       string      `json:"buildNumber"`
	Status       BuildStatus `json:"status"`
	Result       string      `json:"result"`
	QueueTime    *time.Time  `json:"queueTime"`
	StartTime    *time.Time  `json:"startTime"`
	FinishTime   *time.Time  `json:"finishTime"`
	SourceBranch string      `json:"sourceBranch"`
	RequestedFor Identity    `json:"requestedFor"`
	Definition   Definition  `json:"definition"`
	KeepForever  bool        `json:"keepForever"`
	Links        Links       `json:"_links"`

	// Pinned is derived from retention leases, which are only fetched on
	// user-initiated refreshes.
	Pinned bool `json:"-"`
}

// Cancellable reports whether the remote accepts a cancel request for the build.
func (b Build) Cancellable() bool {
	s := BuildStatus(strings.ToLower(string(b.Status)))
	return s == "inprogress" || s == "notstarted"
}

type RetentionLease struct {
	LeaseID         int    `json:"leaseId"`
	OwnerID         string `json:"ownerId"`
	RunID           int    `json:"runId"`
	ProtectPipeline bool   `json:"protectPipeline"`
}

type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
)

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

func (d Decision) status() ApprovalStatus {
	if d == DecisionReject {
		return ApprovalStatusRejected
	}
	return ApprovalStatusApproved
}

type ApprovalStep struct {
	AssignedApprover Identity       `json:"assignedApprover"`
	Status           ApprovalStatus `json:"status"`
	Comment          string         `json:"comment"`
}

// ApprovalPipeline links an approval to the run that is waiting on it.
// The remote only fills it when the request expands it.
type ApprovalPipeline struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Owner struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	} `json:"owner"`
}

type Approval struct {
	ID                   string            `json:"id"`
	Status               ApprovalStatus    `json:"status"`
	CreatedOn            *time.Time        `json:"createdOn"`
	Instructions         string            `json:"instructions"`
	MinRequiredApprovers int               `json:"minRequiredApprovers"`
	Steps                []ApprovalStep    `json:"steps"`
	Pipeline             *ApprovalPipeline `json:"pipeline,omitempty"`
}

// RunID returns the run the approval belongs to, or 0 when the remote did
// not say.
func (a Approval) RunID() int {
	if a.Pipeline == nil {
		return 0
	}
	return a.Pipeline.Owner.ID
}

type listResponse[T any] struct {
	Count int `json:"count"`
	Value []T `json:"value"`
}

type timelineResponse struct {
	ID      string       `json:"id"`
	Records []recordNode `json:"records"`
}

type recordNode struct {
	ID         string     `json:"id"`
	ParentID   *string    `json:"parentId"`
	Type       string     `json:"type"`
	Name       string     `json:"name"`
	State      string     `json:"state"`
	Result     *string    `json:"result"`
	Order      *int       `json:"order"`
	StartTime  *time.Time `json:"startTime"`
	FinishTime *time.Time `json:"finishTime"`
	Identifier *string    `json:"identifier"`
	Attempt    int        `json:"attempt"`
	Log        *struct {
		ID  int    `json:"id"`
		URL string `json:"url"`
	} `json:"log"`
}

func (n recordNode) record() timeline.Record {
	r := timeline.Record{
		ID:         n.ID,
		Kind:       timeline.ParseKind(n.Type),
		Name:       n.Name,
		State:      timeline.ParseState(n.State),
		Order:      n.Order,
		StartTime:  n.StartTime,
		FinishTime: n.FinishTime,
		Attempt:    n.Attempt,
	}
	if n.ParentID != nil {
		r.ParentID = *n.ParentID
	}
	if n.Result != nil {
		r.Result = timeline.ParseResult(*n.Result)
	}
	if n.Identifier != nil {
		r.Identifier = *n.Identifier
	}
	if n.Log != nil {
		r.Log = &timeline.LogRef{ID: n.Log.ID, URL: n.Log.URL}
	}
	return r
}
