package sync

import (
	"os"
	"time"
)

// Format tells how a FilePatch payload is applied
type Format int

const (
	// FormatDiff payloads are unified-diff hunks applied to the current file
	FormatDiff Format = iota
	// FormatFullContent payloads replace the file entirely
	FormatFullContent
	// FormatDelete removes the file; the payload is empty
	FormatDelete
)

func (f Format) String() string {
	switch f {
	case FormatDiff:
		return "DIFF"
	case FormatFullContent:
		return "FULL_CONTENT"
	case FormatDelete:
		return "DELETE"
	}
	return "UNKNOWN"
}

// FilePatch is the change to a single path
type FilePatch struct {
	Path    string
	Format  Format
	Payload []byte
	// Mode is the file's mode at the target commit. Symlinks carry their
	// target as payload. Zero keeps the mode found in the tree.
	Mode os.FileMode
}

// ChangeSet is the ordered list of file changes that moves the tree from Base to Commit
type ChangeSet struct {
	Base    string
	Commit  string
	Patches []FilePatch
}

// Detection is the result of comparing the remote head with the sync state
type Detection struct {
	Head    string
	Changed bool
}

// AppliedSet lists what an apply did to the working tree
type AppliedSet struct {
	Written []string
	Deleted []string
	// Cleaned are artifact files whose patch was applied and which were
	// removed or never written
	Cleaned []string
}

// PublishResult describes a successful publish
type PublishResult struct {
	Committed bool
	Pushed    bool
	Head      string
}

// Outcome is the terminal state of a cycle
type Outcome string

const (
	OutcomeNoChange      Outcome = "NO_CHANGE"
	OutcomeApplied       Outcome = "APPLIED"
	OutcomeApplyFailed   Outcome = "APPLY_FAILED"
	OutcomePublished     Outcome = "PUBLISHED"
	OutcomePublishFailed Outcome = "PUBLISH_FAILED"
	OutcomeDetectFailed  Outcome = "DETECT_FAILED"
	OutcomeFetchFailed   Outcome = "FETCH_FAILED"
	// OutcomeAborted is reported for a cycle that panicked
	OutcomeAborted Outcome = "ABORTED"
)

// Failed reports whether the outcome is a failure
func (o Outcome) Failed() bool {
	switch o {
	case OutcomeApplyFailed, OutcomePublishFailed, OutcomeDetectFailed, OutcomeFetchFailed, OutcomeAborted:
		return true
	}
	return false
}

// CycleResult summarizes one cycle
type CycleResult struct {
	ID       string
	Outcome  Outcome
	Head     string
	Applied  *AppliedSet
	Publish  *PublishResult
	Err      error
	Duration time.Duration
	// Evicted counts snapshots removed by retention during the cycle
	Evicted int
	// RolledBack is set when the tree was restored from a snapshot
	RolledBack bool
}
