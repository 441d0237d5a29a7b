package broadcast

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/tchaka/internal/chat"
	"github.com/dreamware/tchaka/internal/directory"
	"github.com/dreamware/tchaka/internal/geo"
	"github.com/dreamware/tchaka/internal/metrics"
	"github.com/dreamware/tchaka/internal/retention"
)

type sent struct {
	chatID int64
	text   string
	format chat.Format
}

// fakeSender records sends and fails chats listed in denied or broken.
type fakeSender struct {
	mu     sync.Mutex
	nextID int
	sent   []sent
	denied map[int64]bool
	broken map[int64]bool
	delay  time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeSender() *fakeSender {
	return &fakeSender{denied: map[int64]bool{}, broken: map[int64]bool{}}
}

func (s *fakeSender) Send(_ context.Context, chatID int64, text string, format chat.Format) (int, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		peak := s.maxInFlight.Load()
		if n <= peak || s.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.denied[chatID] {
		return 0, errors.Wrapf(chat.ErrDeliveryDenied, "chat %d blocked", chatID)
	}
	if s.broken[chatID] {
		return 0, errors.Wrapf(chat.ErrDeliveryFailed, "chat %d broken", chatID)
	}
	s.nextID++
	s.sent = append(s.sent, sent{chatID: chatID, text: text, format: format})
	return s.nextID, nil
}

func (s *fakeSender) chats() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.sent))
	for _, m := range s.sent {
		ids = append(ids, m.chatID)
	}
	return ids
}

var (
	berlin  = geo.Coord{Lat: 52.5200, Lon: 13.4050}
	berlin2 = geo.Coord{Lat: 52.5201, Lon: 13.4051}
	potsdam = geo.Coord{Lat: 52.3906, Lon: 13.0645}
	gabon   = geo.Coord{Lat: 2.5000, Lon: 4.5000}
)

// seed registers alice(1), bob(2), dave(4) in Berlin and carol(3) in Gabon.
func seed(t *testing.T) *directory.Directory {
	d := directory.New(directory.Options{Logger: zaptest.NewLogger(t)})
	for _, r := range []struct {
		name  string
		id    int64
		coord geo.Coord
	}{
		{"alice", 1, berlin},
		{"bob", 2, berlin2},
		{"carol", 3, gabon},
		{"dave", 4, potsdam},
	} {
		_, err := d.Register(r.name, r.id, r.coord)
		require.NoError(t, err)
	}
	return d
}

func TestDispatchToGroupPeers(t *testing.T) {
	d := seed(t)
	s := newFakeSender()
	ledger := retention.NewMemoryLedger()
	b := New(Options{Resolver: d, Sender: s, Recorder: ledger, Logger: zaptest.NewLogger(t)})

	report := b.Dispatch(context.Background(), "alice", "hello", nil)
	assert.Equal(t, Report{Recipients: 2, Delivered: 2}, report)
	assert.ElementsMatch(t, []int64{2, 4}, s.chats())
	for _, m := range s.sent {
		assert.Equal(t, chat.FormatMarkdown, m.format)
		assert.Equal(t, "__**alice**__\n\nhello", m.text)
	}

	assert.Len(t, ledger.IDs(2), 1)
	assert.Len(t, ledger.IDs(4), 1)
	assert.Nil(t, ledger.IDs(1))
	assert.Nil(t, ledger.IDs(3))
}

func TestDispatchNeverSendsToSender(t *testing.T) {
	d := seed(t)
	s := newFakeSender()
	b := New(Options{Resolver: d, Sender: s})

	for _, sender := range []string{"alice", "bob", "carol", "dave"} {
		self, err := d.Lookup(sender)
		require.NoError(t, err)
		before := len(s.chats())
		b.Dispatch(context.Background(), sender, "ping", nil)
		for _, id := range s.chats()[before:] {
			assert.NotEqual(t, self.ChatID, id)
		}
	}
}

func TestDispatchUnknownSender(t *testing.T) {
	d := seed(t)
	s := newFakeSender()
	b := New(Options{Resolver: d, Sender: s})

	report := b.Dispatch(context.Background(), "mallory", "hello", nil)
	assert.Equal(t, Report{}, report)
	assert.Empty(t, s.chats())
}

func TestDispatchAlone(t *testing.T) {
	d := seed(t)
	s := newFakeSender()
	b := New(Options{Resolver: d, Sender: s})

	report := b.Dispatch(context.Background(), "carol", "anyone?", nil)
	assert.Equal(t, 0, report.Recipients)
	assert.Empty(t, s.chats())
}

func TestDispatchToleratesFailures(t *testing.T) {
	d := seed(t)
	_, err := d.Register("erin", 5, berlin)
	require.NoError(t, err)

	s := newFakeSender()
	s.denied[2] = true
	s.broken[4] = true

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	b := New(Options{Resolver: d, Sender: s, Metrics: m, Logger: zaptest.NewLogger(t)})

	report := b.Dispatch(context.Background(), "alice", "hello", nil)
	assert.Equal(t, Report{Recipients: 3, Delivered: 1, Denied: 1, Failed: 1}, report)
	assert.Equal(t, []int64{5}, s.chats())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("message", metrics.OutcomeDelivered)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("message", metrics.OutcomeDenied)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("message", metrics.OutcomeFailed)))
}

func TestDispatchTruncatesText(t *testing.T) {
	d := seed(t)
	s := newFakeSender()
	b := New(Options{Resolver: d, Sender: s})

	long := make([]rune, 250)
	for i := range long {
		long[i] = 'é'
	}
	b.Dispatch(context.Background(), "bob", string(long), nil)

	require.NotEmpty(t, s.sent)
	body := s.sent[0].text
	assert.Equal(t, "__**bob**__\n\n"+string(long[:200]), body)
}

func TestDispatchWithQuote(t *testing.T) {
	d := seed(t)
	s := newFakeSender()
	b := New(Options{Resolver: d, Sender: s, MaxQuoteChars: 5})

	quoted := "__**bob**__\n\nsee you at the station tonight"
	report := b.Dispatch(context.Background(), "alice", "on my way", &quoted)
	require.Equal(t, 2, report.Delivered)

	assert.Equal(t, "__**alice**__\n```\n__**b\nsee y\n```\non my way", s.sent[0].text)
}

func TestFormatMessage(t *testing.T) {
	b := New(Options{})

	empty := "  \n \n"
	single := "only line"

	assert.Equal(t, "__**u**__\n\nhi", b.FormatMessage("u", "hi", nil))
	assert.Equal(t, "__**u**__\n\nhi", b.FormatMessage("u", "hi", &empty))
	assert.Equal(t, "__**u**__\n```\nonly line\n```\nhi", b.FormatMessage("u", "hi", &single))
}

func TestDispatchConcurrencyLimit(t *testing.T) {
	d := directory.New(directory.Options{})
	for i := 0; i < 12; i++ {
		_, err := d.Register(fmt.Sprintf("p%02d", i), int64(i+1), berlin)
		require.NoError(t, err)
	}

	s := newFakeSender()
	s.delay = 20 * time.Millisecond
	b := New(Options{Resolver: d, Sender: s, Concurrency: 3})

	report := b.Dispatch(context.Background(), "p00", "hello", nil)
	assert.Equal(t, 11, report.Delivered)
	assert.LessOrEqual(t, s.maxInFlight.Load(), int32(3))
	assert.Greater(t, s.maxInFlight.Load(), int32(1))
}

func TestNotifyJoinClusterScope(t *testing.T) {
	d := seed(t)
	s := newFakeSender()
	b := New(Options{Resolver: d, Sender: s})

	report := b.NotifyJoin(context.Background(), "dave", 4)
	assert.Equal(t, 2, report.Delivered)
	assert.ElementsMatch(t, []int64{1, 2}, s.chats())
	assert.Equal(t, "_dave joined the area…_", s.sent[0].text)
}

func TestNotifyJoinGlobalScope(t *testing.T) {
	d := seed(t)
	s := newFakeSender()
	s.denied[3] = true
	b := New(Options{
		Resolver:  d,
		Sender:    s,
		JoinScope: ScopeGlobal,
		JoinText:  func(_ chat.Participant, p string) string { return p + " is here" },
	})

	report := b.NotifyJoin(context.Background(), "dave", 4)
	assert.Equal(t, Report{Recipients: 3, Delivered: 2, Denied: 1}, report)
	assert.ElementsMatch(t, []int64{1, 2}, s.chats())
	assert.Equal(t, "dave is here", s.sent[0].text)
}

func TestNotifyJoinRendersPerRecipient(t *testing.T) {
	d := seed(t)
	s := newFakeSender()
	b := New(Options{
		Resolver: d,
		Sender:   s,
		JoinText: func(to chat.Participant, p string) string {
			return fmt.Sprintf("%s -> %s", p, to.Pseudonym)
		},
	})

	b.NotifyJoin(context.Background(), "dave", 4)

	s.mu.Lock()
	defer s.mu.Unlock()
	byChat := map[int64]string{}
	for _, m := range s.sent {
		byChat[m.chatID] = m.text
	}
	assert.Equal(t, map[int64]string{1: "dave -> alice", 2: "dave -> bob"}, byChat)
}

func TestNotifyJoinNeverNotifiesJoiner(t *testing.T) {
	d := seed(t)
	for _, scope := range []Scope{ScopeCluster, ScopeGlobal} {
		s := newFakeSender()
		b := New(Options{Resolver: d, Sender: s, JoinScope: scope})
		for _, name := range []string{"alice", "bob", "carol", "dave"} {
			self, err := d.Lookup(name)
			require.NoError(t, err)
			before := len(s.chats())
			b.NotifyJoin(context.Background(), name, self.ChatID)
			for _, id := range s.chats()[before:] {
				assert.NotEqual(t, self.ChatID, id, "scope %s, joiner %s", scope, name)
			}
		}
	}
}

func TestNotifyJoinUnknown(t *testing.T) {
	d := seed(t)
	s := newFakeSender()
	b := New(Options{Resolver: d, Sender: s})

	assert.Equal(t, Report{}, b.NotifyJoin(context.Background(), "ghost", 99))
	assert.Empty(t, s.chats())
}

func TestParseScope(t *testing.T) {
	scope, err := ParseScope("")
	require.NoError(t, err)
	assert.Equal(t, ScopeCluster, scope)

	scope, err = ParseScope(" Global ")
	require.NoError(t, err)
	assert.Equal(t, ScopeGlobal, scope)

	_, err = ParseScope("planet")
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "", Truncate("", 5))
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab", Truncate("abc", 2))
	assert.Equal(t, "", Truncate("abc", 0))
	assert.Equal(t, "日本", Truncate("日本語", 2))
	assert.Equal(t, "abc", Truncate("abc", -1))
}
