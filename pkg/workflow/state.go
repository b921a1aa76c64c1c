package workflow

import (
	"errors"
	"fmt"
	"time"

	flagstate "github.com/goliatone/go-flagstate"
)

var (
	// ErrQuorumNotMet is returned when committing below the approval quorum.
	ErrQuorumNotMet = errors.New("workflow: approval quorum not met")
	// ErrCommitted is returned for transitions out of the terminal Committed state.
	ErrCommitted = errors.New("workflow: change request already committed")
	// ErrDeleted is returned for transitions out of the terminal Deleted state.
	ErrDeleted = errors.New("workflow: change request deleted")
	// ErrNoFeatureState is returned for proposals without an environment state.
	ErrNoFeatureState = errors.New("workflow: change request carries no feature state")
)

// State is the derived lifecycle state of a change request.
type State string

const (
	StateDraft     State = "draft"
	StatePending   State = "pending"
	StateScheduled State = "scheduled"
	StateApproved  State = "approved"
	StateCommitted State = "committed"
	StateDeleted   State = "deleted"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateDeleted
}

// StateOf derives the state of cr for an environment requiring quorum
// approvals. A request with a future live_from is Scheduled until it has
// gathered its approvals; Approved takes precedence once it has.
func StateOf(cr flagstate.ChangeRequest, quorum int, now time.Time) State {
	switch {
	case cr.DeletedAt != nil:
		return StateDeleted
	case cr.CommittedAt != nil:
		return StateCommitted
	case cr.ID == 0:
		return StateDraft
	case quorum > 0 && Approvals(cr) >= quorum:
		return StateApproved
	case cr.LiveFrom != nil && cr.LiveFrom.After(now):
		return StateScheduled
	default:
		return StatePending
	}
}

// Approver identifies who approved: a user or a user group.
type Approver struct {
	User  int
	Group int
}

func (a Approver) String() string {
	if a.Group != 0 {
		return fmt.Sprintf("group:%d", a.Group)
	}
	return fmt.Sprintf("user:%d", a.User)
}

func approverOf(approval flagstate.Approval) (Approver, bool) {
	switch {
	case approval.User != 0:
		return Approver{User: approval.User}, true
	case approval.Group != 0:
		return Approver{Group: approval.Group}, true
	default:
		return Approver{}, false
	}
}

// Approvals counts the distinct users and groups whose approval carries
// approved_at.
func Approvals(cr flagstate.ChangeRequest) int {
	return len(Approvers(cr))
}

// Approvers returns the distinct approvers in approval order.
func Approvers(cr flagstate.ChangeRequest) []Approver {
	seen := make(map[Approver]struct{}, len(cr.Approvals))
	out := make([]Approver, 0, len(cr.Approvals))
	for _, approval := range cr.Approvals {
		who, ok := approverOf(approval)
		if !ok || approval.ApprovedAt == nil {
			continue
		}
		if _, dup := seen[who]; dup {
			continue
		}
		seen[who] = struct{}{}
		out = append(out, who)
	}
	return out
}

// QuorumMet reports whether cr may be committed. A zero quorum is always met.
func QuorumMet(cr flagstate.ChangeRequest, quorum int) bool {
	return quorum <= 0 || Approvals(cr) >= quorum
}

// HasApproved reports whether who already approved cr.
func HasApproved(cr flagstate.ChangeRequest, who Approver) bool {
	for _, approval := range cr.Approvals {
		if id, ok := approverOf(approval); ok && id == who && approval.ApprovedAt != nil {
			return true
		}
	}
	return false
}

// withApproval records who's approval at, stamping a pending assignment of
// the same user or group. The input is not modified.
func withApproval(cr flagstate.ChangeRequest, who Approver, at time.Time) flagstate.ChangeRequest {
	if HasApproved(cr, who) {
		return cr
	}
	approvals := make([]flagstate.Approval, 0, len(cr.Approvals)+1)
	assigned := false
	for _, approval := range cr.Approvals {
		if id, ok := approverOf(approval); ok && id == who && !assigned {
			stamp := at
			approval.ApprovedAt = &stamp
			assigned = true
		}
		approvals = append(approvals, approval)
	}
	if !assigned {
		stamp := at
		approvals = append(approvals, flagstate.Approval{User: who.User, Group: who.Group, ApprovedAt: &stamp})
	}
	cr.Approvals = approvals
	return cr
}

// checkOpen rejects transitions out of terminal states.
func checkOpen(cr flagstate.ChangeRequest) error {
	switch {
	case cr.DeletedAt != nil:
		return ErrDeleted
	case cr.CommittedAt != nil:
		return ErrCommitted
	default:
		return nil
	}
}
