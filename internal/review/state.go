package review

import "github.com/patjackson52/hilt/internal/store"

type DecisionKind string

const (
	KindApprove DecisionKind = "approve"
	KindDeny    DecisionKind = "deny"
)

func (k DecisionKind) Valid() bool {
	return k == KindApprove || k == KindDeny
}

// StatusForDecision maps a decision kind to the task status it produces.
func StatusForDecision(kind DecisionKind) string {
	if kind == KindApprove {
		return store.StatusApproved
	}
	return store.StatusDenied
}

// Decided reports whether a task has left pending without being archived.
func Decided(status string) bool {
	switch status {
	case store.StatusApproved, store.StatusDenied, store.StatusDispatched:
		return true
	}
	return false
}

// CanDispatch reports whether a task may advance to dispatched. Tasks already
// dispatched or archived stay where they are.
func CanDispatch(status string) bool {
	return status == store.StatusApproved || status == store.StatusDenied
}

// CanArchive reports whether a task is eligible for the archival sweep.
func CanArchive(status string) bool {
	return Decided(status)
}
