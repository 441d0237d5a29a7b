// Package broadcast relays messages and join notices to the members of a
// participant's location group. See doc.go for package documentation.
package broadcast

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/tchaka/internal/chat"
	"github.com/dreamware/tchaka/internal/metrics"
)

// Defaults applied by New when the matching option is zero.
const (
	// DefaultMaxTextChars caps a relayed message body, in runes.
	DefaultMaxTextChars = 200
	// DefaultMaxQuoteChars caps each quoted line, in runes.
	DefaultMaxQuoteChars = 100
	// DefaultConcurrency caps in-flight sends per fan-out batch.
	DefaultConcurrency = 16
)

// Kind labels a fan-out batch.
type Kind string

const (
	KindMessage Kind = "message"
	KindJoin    Kind = "join"
)

// Scope selects who receives join notices.
type Scope string

const (
	// ScopeCluster notifies the joiner's group only, like Dispatch.
	ScopeCluster Scope = "cluster"
	// ScopeGlobal notifies every other registered chat.
	ScopeGlobal Scope = "global"
)

// ParseScope maps a config value to a Scope.
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case "", ScopeCluster:
		return ScopeCluster, nil
	case ScopeGlobal:
		return ScopeGlobal, nil
	}
	return "", fmt.Errorf("unknown join scope %q", s)
}

// Resolver is the read side of the directory the broadcaster fans out over.
type Resolver interface {
	Peers(pseudonym string) (chat.Participant, []chat.Participant, error)
	Others(chatID int64) []chat.Participant
}

// Options configures a Broadcaster.
type Options struct {
	Resolver Resolver
	Sender   chat.Sender
	Recorder chat.Recorder
	Logger   *zap.Logger
	Metrics  *metrics.Metrics

	MaxTextChars  int
	MaxQuoteChars int
	// Concurrency caps in-flight sends per batch.
	Concurrency int
	JoinScope   Scope
	// JoinText renders the join notice announcing pseudonym to recipient.
	// It is called once per recipient so the text can follow the
	// recipient's language.
	JoinText func(recipient chat.Participant, pseudonym string) string
}

// Broadcaster fans messages out to group peers.
type Broadcaster struct {
	resolver      Resolver
	sender        chat.Sender
	recorder      chat.Recorder
	logger        *zap.Logger
	metrics       *metrics.Metrics
	maxTextChars  int
	maxQuoteChars int
	concurrency   int
	joinScope     Scope
	joinText      func(recipient chat.Participant, pseudonym string) string
}

// Report counts per-recipient outcomes of one batch.
type Report struct {
	Recipients int
	Delivered  int
	Denied     int
	Failed     int
}

// New creates a Broadcaster, filling defaults for zero options.
func New(opts Options) *Broadcaster {
	b := &Broadcaster{
		resolver:      opts.Resolver,
		sender:        opts.Sender,
		recorder:      opts.Recorder,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		maxTextChars:  opts.MaxTextChars,
		maxQuoteChars: opts.MaxQuoteChars,
		concurrency:   opts.Concurrency,
		joinScope:     opts.JoinScope,
		joinText:      opts.JoinText,
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	if b.recorder == nil {
		b.recorder = chat.RecorderFunc(func(int64, int) {})
	}
	if b.maxTextChars <= 0 {
		b.maxTextChars = DefaultMaxTextChars
	}
	if b.maxQuoteChars <= 0 {
		b.maxQuoteChars = DefaultMaxQuoteChars
	}
	if b.concurrency <= 0 {
		b.concurrency = DefaultConcurrency
	}
	if b.joinScope == "" {
		b.joinScope = ScopeCluster
	}
	if b.joinText == nil {
		b.joinText = func(_ chat.Participant, pseudonym string) string {
			return fmt.Sprintf("_%s joined the area…_", pseudonym)
		}
	}
	return b
}

// Dispatch relays text from sender to every other member of its group.
//
// The sender's group is resolved once, from a consistent snapshot of the
// directory, and every recipient gets exactly one send attempt. Sends run
// concurrently, bounded by the configured concurrency, and Dispatch returns
// only after every attempt has finished.
//
// Parameters:
//   - ctx: Passed to every send; cancelling it fails the sends still pending
//   - sender: Pseudonym of the author
//   - text: Message body, truncated to MaxTextChars runes
//   - quoted: Text being replied to, or nil
//
// Returns:
//   - Report counting recipients and per-recipient outcomes
//
// Failure Handling:
//   - Unknown sender: no-op, logged at debug, empty Report
//   - Sender alone in its group: no-op, empty Report
//   - Delivery denied: logged at debug, counted as Denied
//   - Other send errors: logged at warn, counted as Failed
//
// No failure is ever returned to the caller and no send is retried. Every
// successful send is reported to the Recorder with the recipient's chat id
// and the id the transport assigned.
//
// Example:
//
//	report := b.Dispatch(ctx, "u__3f2a9c01be44d7a", "anyone nearby?", nil)
//	log.Printf("delivered %d/%d", report.Delivered, report.Recipients)
func (b *Broadcaster) Dispatch(ctx context.Context, sender, text string, quoted *string) Report {
	self, peers, err := b.resolver.Peers(sender)
	if err != nil {
		b.logger.Debug("dispatch from unregistered sender", zap.String("pseudonym", sender))
		return Report{}
	}
	recipients := make([]chat.Participant, 0, len(peers))
	for _, p := range peers {
		if p.ChatID != self.ChatID {
			recipients = append(recipients, p)
		}
	}
	if len(recipients) == 0 {
		return Report{}
	}

	body := b.FormatMessage(sender, text, quoted)
	return b.fanOut(ctx, KindMessage, recipients, func(chat.Participant) string { return body })
}

// NotifyJoin tells other participants that pseudonym joined.
//
// The audience depends on the configured scope:
//   - ScopeCluster: the members of the joiner's group, resolved by pseudonym
//   - ScopeGlobal: every registered chat other than joiningChatID
//
// In both scopes joiningChatID itself is never notified, even when the
// directory still lists it elsewhere. The notice text is rendered per
// recipient with JoinText.
//
// Parameters:
//   - ctx: Passed to every send
//   - pseudonym: The participant that joined
//   - joiningChatID: The joiner's chat, excluded from the audience
//
// Returns:
//   - Report with the same semantics as Dispatch
//
// Failure handling follows Dispatch: an unknown joiner in cluster scope is a
// logged no-op and per-recipient failures are only counted.
func (b *Broadcaster) NotifyJoin(ctx context.Context, pseudonym string, joiningChatID int64) Report {
	var candidates []chat.Participant
	switch b.joinScope {
	case ScopeGlobal:
		candidates = b.resolver.Others(joiningChatID)
	default:
		_, peers, err := b.resolver.Peers(pseudonym)
		if err != nil {
			b.logger.Debug("join notice for unregistered participant", zap.String("pseudonym", pseudonym))
			return Report{}
		}
		candidates = peers
	}

	recipients := make([]chat.Participant, 0, len(candidates))
	for _, p := range candidates {
		if p.ChatID != joiningChatID {
			recipients = append(recipients, p)
		}
	}
	if len(recipients) == 0 {
		return Report{}
	}

	return b.fanOut(ctx, KindJoin, recipients, func(p chat.Participant) string {
		return b.joinText(p, pseudonym)
	})
}

// FormatMessage renders the outgoing body for a relayed message.
//
// Layout:
//
//	__**<sender>**__
//	```
//	<first quoted line>
//	<last quoted line>
//	```
//	<text>
//
// Without a usable quote the code block is replaced by one empty line. The
// text is cut to MaxTextChars runes and each quoted line to MaxQuoteChars.
func (b *Broadcaster) FormatMessage(sender, text string, quoted *string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "__**%s**__\n", sender)

	if quote := b.quoteBlock(quoted); quote != "" {
		fmt.Fprintf(&sb, "```\n%s\n```\n", quote)
	} else {
		sb.WriteString("\n")
	}
	sb.WriteString(Truncate(text, b.maxTextChars))
	return sb.String()
}

// quoteBlock keeps the first and last non-empty line of the quoted text.
func (b *Broadcaster) quoteBlock(quoted *string) string {
	if quoted == nil {
		return ""
	}
	var lines []string
	for _, line := range strings.Split(*quoted, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	switch len(lines) {
	case 0:
		return ""
	case 1:
		return Truncate(lines[0], b.maxQuoteChars)
	}
	return Truncate(lines[0], b.maxQuoteChars) + "\n" + Truncate(lines[len(lines)-1], b.maxQuoteChars)
}

// fanOut sends one rendered body to every recipient concurrently and waits
// for all of them.
//
// Implementation:
//   - An errgroup bounded by the configured concurrency runs one goroutine
//     per recipient; goroutines never return an error so no sibling is
//     cancelled by another's failure
//   - Outcomes are tallied under a mutex local to the batch
//   - The batch latency is observed once, after the last send returns
//
// Each recipient gets exactly one attempt. render is called from the
// recipient's goroutine and must be safe for concurrent use.
func (b *Broadcaster) fanOut(ctx context.Context, kind Kind, recipients []chat.Participant, render func(chat.Participant) string) Report {
	started := time.Now()
	defer b.metrics.ObserveFanout(string(kind), started)

	var (
		mu     sync.Mutex
		report = Report{Recipients: len(recipients)}
	)

	var g errgroup.Group
	g.SetLimit(b.concurrency)
	for _, p := range recipients {
		g.Go(func() error {
			outcome := b.deliver(ctx, kind, p, render(p))
			mu.Lock()
			switch outcome {
			case metrics.OutcomeDelivered:
				report.Delivered++
			case metrics.OutcomeDenied:
				report.Denied++
			default:
				report.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	b.logger.Debug("fan-out finished",
		zap.String("kind", string(kind)),
		zap.Int("recipients", report.Recipients),
		zap.Int("delivered", report.Delivered),
		zap.Int("denied", report.Denied),
		zap.Int("failed", report.Failed))

	return report
}

// deliver makes the single send attempt for p and classifies the result as
// one of the metrics delivery outcomes.
func (b *Broadcaster) deliver(ctx context.Context, kind Kind, p chat.Participant, body string) string {
	id, err := b.sender.Send(ctx, p.ChatID, body, chat.FormatMarkdown)
	switch {
	case err == nil:
		b.recorder.Record(p.ChatID, id)
		b.metrics.ObserveDelivery(string(kind), metrics.OutcomeDelivered)
		return metrics.OutcomeDelivered

	case chat.IsDeliveryDenied(err):
		b.logger.Debug("delivery denied",
			zap.String("kind", string(kind)),
			zap.String("pseudonym", p.Pseudonym),
			zap.Error(err))
		b.metrics.ObserveDelivery(string(kind), metrics.OutcomeDenied)
		return metrics.OutcomeDenied

	default:
		b.logger.Warn("unexpected delivery error",
			zap.String("kind", string(kind)),
			zap.String("pseudonym", p.Pseudonym),
			zap.Int64("chatID", p.ChatID),
			zap.Error(err))
		b.metrics.ObserveDelivery(string(kind), metrics.OutcomeFailed)
		return metrics.OutcomeFailed
	}
}

// Truncate cuts s to at most n runes. A negative n leaves s unchanged.
func Truncate(s string, n int) string {
	if n < 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
