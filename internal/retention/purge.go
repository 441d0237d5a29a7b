package retention

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/tchaka/internal/chat"
	"github.com/dreamware/tchaka/internal/metrics"
)

// Default purge settings. New only substitutes MaxNotFound and Lookback;
// zero delays mean no waiting.
const (
	DefaultSettleDelay = time.Second
	DefaultPause       = 50 * time.Millisecond
	DefaultMaxNotFound = 10
	DefaultLookback    = 30
)

// StopReason explains why a purge ended.
type StopReason string

const (
	// StopCompleted means every target was attempted.
	StopCompleted StopReason = "completed"
	// StopNotFoundLimit means too many consecutive ids were already gone.
	StopNotFoundLimit StopReason = "not_found_limit"
	// StopAborted means the transport failed unexpectedly.
	StopAborted StopReason = "aborted"
	// StopCanceled means the context ended first.
	StopCanceled StopReason = "canceled"
)

// Options configures a Purger.
type Options struct {
	Deleter chat.Deleter
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// SettleDelay is waited once before the first deletion.
	SettleDelay time.Duration
	// Pause is waited after every deletion attempt.
	Pause time.Duration
	// MaxNotFound consecutive not-found failures end the purge.
	MaxNotFound int
	// Lookback is how many ids before the command are tried when the chat
	// has no tracked ids.
	Lookback int
}

// Purger deletes a departing chat's messages.
type Purger struct {
	deleter     chat.Deleter
	logger      *zap.Logger
	metrics     *metrics.Metrics
	settleDelay time.Duration
	pause       time.Duration
	maxNotFound int
	lookback    int
}

// Report summarises one purge. Purge never returns an error; the report is
// for logging and tests only.
type Report struct {
	Reason    StopReason
	Err       error // the error that aborted the purge, if any
	Targets   int
	Attempted int
	Deleted   int
	NotFound  int
}

// New creates a Purger. Negative delays are treated as zero.
func New(opts Options) *Purger {
	p := &Purger{
		deleter:     opts.Deleter,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		settleDelay: opts.SettleDelay,
		pause:       opts.Pause,
		maxNotFound: opts.MaxNotFound,
		lookback:    opts.Lookback,
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.maxNotFound <= 0 {
		p.maxNotFound = DefaultMaxNotFound
	}
	if p.lookback <= 0 {
		p.lookback = DefaultLookback
	}
	return p
}

// Targets returns the ids a purge would try, ascending.
//
// Parameters:
//   - commandID: Id of the command that triggered the purge
//   - known: Tracked ids of the chat, in any order; may be nil
//   - lookback: Size of the fallback range
//
// Returns:
//   - Without known ids: the lookback ids immediately before commandID,
//     clamped at 1; commandID itself is not included
//   - With known ids: every id plus the two that follow it, which stand for
//     the triggering command and the goodbye reply, de-duplicated
//
// Example:
//
//	Targets(12, nil, 30)        // [1 2 3 4 5 6 7 8 9 10 11]
//	Targets(12, []int{9, 4}, 0) // [4 5 6 9 10 11]
func Targets(commandID int, known []int, lookback int) []int {
	if len(known) == 0 {
		start := commandID - lookback
		if start < 1 {
			start = 1
		}
		var ids []int
		for id := start; id < commandID; id++ {
			ids = append(ids, id)
		}
		return ids
	}

	ids := make([]int, 0, len(known)*3)
	for _, id := range known {
		for offset := 0; offset < 3; offset++ {
			if id+offset > 0 {
				ids = append(ids, id+offset)
			}
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

// Purge deletes chatID's messages one at a time.
//
// The targets come from Targets with the configured lookback. Deletion is
// sequential: the purge waits the settle delay once, then attempts every
// target in ascending order with a pause after each attempt.
//
// Parameters:
//   - ctx: Cancelling it ends the purge at the next delay
//   - chatID: The departing chat
//   - commandID: Id of the stop command
//   - known: The chat's tracked ids, or nil for the lookback range
//
// Returns:
//   - Report with the stop reason and attempt counts
//
// Stop Conditions:
//   - StopCompleted: every target was attempted
//   - StopNotFoundLimit: MaxNotFound not-found results in a row
//   - StopAborted: any other deletion error; Report.Err holds it
//   - StopCanceled: ctx ended during a delay
//
// Purge never surfaces an error to its caller and never retries an id. The
// outcome is logged at info and counted in tchaka_purges_total.
func (p *Purger) Purge(ctx context.Context, chatID int64, commandID int, known []int) Report {
	targets := Targets(commandID, known, p.lookback)
	report := p.run(ctx, chatID, targets)

	p.metrics.ObservePurge(string(report.Reason))
	p.logger.Info("purge finished",
		zap.Int64("chatID", chatID),
		zap.String("reason", string(report.Reason)),
		zap.Int("targets", report.Targets),
		zap.Int("attempted", report.Attempted),
		zap.Int("deleted", report.Deleted))

	return report
}

// run attempts targets in order and classifies each result. A successful
// deletion resets the not-found run; a not-found result extends it.
func (p *Purger) run(ctx context.Context, chatID int64, targets []int) Report {
	report := Report{Targets: len(targets), Reason: StopCompleted}

	if err := sleep(ctx, p.settleDelay); err != nil {
		report.Reason = StopCanceled
		return report
	}

	consecutiveNotFound := 0
	for _, id := range targets {
		report.Attempted++
		err := p.deleter.Delete(ctx, chatID, id)

		switch {
		case err == nil:
			report.Deleted++
			consecutiveNotFound = 0
			p.metrics.ObserveDeletion(metrics.OutcomeDeleted)

		case chat.IsNotFound(err):
			report.NotFound++
			consecutiveNotFound++
			p.metrics.ObserveDeletion(metrics.OutcomeNotFound)
			if consecutiveNotFound >= p.maxNotFound {
				p.logger.Debug("purge hit not-found limit",
					zap.Int64("chatID", chatID), zap.Int("messageID", id))
				report.Reason = StopNotFoundLimit
				return report
			}

		default:
			p.metrics.ObserveDeletion(metrics.OutcomeFailed)
			p.logger.Warn("deletion failed, aborting purge",
				zap.Int64("chatID", chatID), zap.Int("messageID", id), zap.Error(err))
			report.Reason = StopAborted
			report.Err = err
			return report
		}

		if err := sleep(ctx, p.pause); err != nil {
			report.Reason = StopCanceled
			return report
		}
	}

	return report
}

// sleep waits d or until ctx ends. A non-positive d only checks ctx.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
