package sync

import (
	"context"
	"log/slog"

	"github.com/schaermu/autosyncd/internal/remote"
	"github.com/schaermu/autosyncd/internal/store"
)

// Detector compares the remote head of the tracked branch with the sync state
type Detector struct {
	remote remote.Remote
	logger *slog.Logger
}

// NewDetector creates a new change detector
func NewDetector(rem remote.Remote, logger *slog.Logger) *Detector {
	return &Detector{remote: rem, logger: logger}
}

// Detect resolves the remote head of state.Branch. The head counts as a
// change when it differs from the commit the working tree reflects. The
// state itself is never modified here.
func (d *Detector) Detect(ctx context.Context, state store.SyncState) (Detection, error) {
	head, err := d.remote.HeadCommit(ctx, state.Branch)
	if err != nil {
		return Detection{}, markCause(err)
	}

	changed := head != state.Applied
	d.logger.Debug("remote head resolved", "head", head, "applied", state.Applied, "changed", changed)
	return Detection{Head: head, Changed: changed}, nil
}
