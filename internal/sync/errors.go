package sync

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/schaermu/autosyncd/internal/backup"
	"github.com/schaermu/autosyncd/internal/git"
	"github.com/schaermu/autosyncd/internal/remote"
)

// Error taxonomy of a sync cycle. Errors returned by the engine's components
// are marked with one of these and can be tested with errors.Is.
var (
	ErrNetwork            = errors.New("network error")
	ErrAuth               = errors.New("authentication rejected")
	ErrBranchNotFound     = errors.New("branch not found")
	ErrContentUnavailable = errors.New("change content unavailable")
	ErrHistoryRewritten   = errors.New("remote history rewritten")
	ErrPatchConflict      = errors.New("patch conflict")
	ErrPushRejected       = errors.New("push rejected")
	ErrRetention          = backup.ErrRetention
)

// Kind is the class of a cycle failure
type Kind int

const (
	KindNone Kind = iota
	KindNetwork
	KindAuth
	KindNotFound
	KindConflict
	KindPushRejected
	KindRetention
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindPushRejected:
		return "push_rejected"
	case KindRetention:
		return "retention"
	}
	return "unknown"
}

// Classify maps an error to its Kind
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrPatchConflict):
		return KindConflict
	case errors.Is(err, ErrPushRejected):
		return KindPushRejected
	case errors.Is(err, ErrAuth):
		return KindAuth
	case errors.Is(err, ErrBranchNotFound),
		errors.Is(err, ErrContentUnavailable),
		errors.Is(err, ErrHistoryRewritten):
		return KindNotFound
	case errors.Is(err, ErrNetwork):
		return KindNetwork
	case errors.Is(err, ErrRetention):
		return KindRetention
	}
	return KindUnknown
}

// markCause marks err with the taxonomy sentinel matching the lower-level
// sentinel it carries. Unrecognized errors are returned unchanged.
func markCause(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, remote.ErrAuth), errors.Is(err, git.ErrAuth):
		return errors.Mark(err, ErrAuth)
	case errors.Is(err, remote.ErrBranchNotFound):
		return errors.Mark(err, ErrBranchNotFound)
	case errors.Is(err, remote.ErrContentUnavailable):
		return errors.Mark(err, ErrContentUnavailable)
	case errors.Is(err, remote.ErrHistoryRewritten):
		return errors.Mark(err, ErrHistoryRewritten)
	case errors.Is(err, git.ErrPushRejected):
		return errors.Mark(err, ErrPushRejected)
	case errors.Is(err, git.ErrRebaseConflict):
		return errors.Mark(err, ErrPatchConflict)
	case errors.Is(err, remote.ErrNetwork), errors.Is(err, git.ErrNetwork):
		return errors.Mark(err, ErrNetwork)
	}
	return err
}

// ConflictReason explains why a change set could not be applied
type ConflictReason string

const (
	ReasonDirty           ConflictReason = "local modification"
	ReasonContextMismatch ConflictReason = "context mismatch"
	ReasonMissing         ConflictReason = "file missing"
	ReasonExists          ConflictReason = "file already exists"
	ReasonInvalid         ConflictReason = "invalid patch"
)

// ConflictError reports a change that cannot be applied to the working tree
type ConflictError struct {
	Path   string
	Reason ConflictReason
	Err    error
}

func (e *ConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("conflict on %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("conflict on %s: %s", e.Path, e.Reason)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// Is makes every ConflictError match ErrPatchConflict
func (e *ConflictError) Is(target error) bool { return target == ErrPatchConflict }

// PublishError reports a failed publish. Upstream is the remote commit the
// working tree was rebased onto before the failure, or empty if no rebase
// succeeded; the local commit is kept either way.
type PublishError struct {
	Upstream  string
	Committed bool
	Err       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish failed: %v", e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
