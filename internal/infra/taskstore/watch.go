package taskstore

import (
	"context"
	"time"

	"github.com/kbtz-tools/kbtz-workspace/internal/domain"
	"github.com/kbtz-tools/kbtz-workspace/internal/infra/watcher"
)

// Ensure Waiter implements domain.ChangeWaiter interface.
var _ domain.ChangeWaiter = (*Waiter)(nil)

// Waiter blocks callers until the database file (or its WAL/SHM
// siblings) changes on disk. Wakeups may be spurious; callers re-check.
type Waiter struct {
	w      *watcher.Watcher
	cancel context.CancelFunc
}

// NewWaiter starts watching the store's database file.
func (s *Store) NewWaiter() (*Waiter, error) {
	w, err := watcher.NewDB(s.path)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx, nil)
	return &Waiter{w: w, cancel: cancel}, nil
}

// WaitForChange blocks until a change event, the timeout (zero means no
// timeout), or context cancellation. Returns true when a change was
// observed, false on timeout.
func (v *Waiter) WaitForChange(ctx context.Context, timeout time.Duration) (bool, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-v.w.C:
		return true, nil
	case <-timer:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Close stops the underlying watcher.
func (v *Waiter) Close() error {
	v.cancel()
	return v.w.Close()
}
