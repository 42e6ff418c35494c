package quietperiod

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

// nextQuietStart returns the next instant a quiet window begins (an
// active->quiet edge), ignoring window-end transitions.
func (q *QuietPeriod) nextQuietStart(now time.Time) time.Time {
	cfg, loc := q.snapshot()
	if !cfg.Enabled || len(cfg.Windows) == 0 {
		return time.Time{}
	}
	t := now.In(loc)
	var starts []time.Time
	for dayOffset := -1; dayOffset <= 8; dayOffset++ {
		anchor := t.AddDate(0, 0, dayOffset)
		for _, w := range cfg.Windows {
			start, _, ok := windowSpan(w, anchor)
			if ok && start.After(t) {
				starts = append(starts, start)
			}
		}
	}
	if len(starts) == 0 {
		return time.Time{}
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
	return starts[0]
}

// Notifier fires a reminder callback a configurable offset before the next
// quiet period begins.
type Notifier struct {
	qp       *QuietPeriod
	onRemind func(ctx context.Context, quietBeginsAt time.Time)
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewNotifier creates a Notifier for qp.
func NewNotifier(qp *QuietPeriod, onRemind func(ctx context.Context, quietBeginsAt time.Time), logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{qp: qp, onRemind: onRemind, logger: logger}
}

// Start begins the notifier loop in a background goroutine.
func (n *Notifier) Start(ctx context.Context) {
	ctx, n.cancel = context.WithCancel(ctx)
	n.done = make(chan struct{})
	go n.loop(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (n *Notifier) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	if n.done != nil {
		<-n.done
	}
}

func (n *Notifier) loop(ctx context.Context) {
	defer close(n.done)
	for {
		now := time.Now()
		nextStart := n.qp.nextQuietStart(now)
		if nextStart.IsZero() {
			// No configured windows; re-check periodically in case the
			// policy is reloaded with one.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Minute):
				continue
			}
		}

		before := n.qp.NotifyBefore()
		fireAt := nextStart.Add(-before)
		wait := time.Until(fireAt)
		if wait < 0 {
			wait = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			if n.onRemind != nil {
				n.onRemind(ctx, nextStart)
			}
			// Sleep past the quiet start itself so the same edge isn't
			// re-fired on the next loop iteration.
			sleepPast := time.Until(nextStart) + time.Second
			if sleepPast > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(sleepPast):
				}
			}
		}
	}
}
