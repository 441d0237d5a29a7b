package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/tchaka/internal/chat"
	"github.com/dreamware/tchaka/internal/geo"
	"github.com/dreamware/tchaka/internal/locale"
	"github.com/dreamware/tchaka/internal/pseudonym"
	"github.com/dreamware/tchaka/internal/retention"
)

type delivery struct {
	id   int
	text string
}

// fakeTransport numbers messages per chat, the way a chat client would.
type fakeTransport struct {
	mu      sync.Mutex
	next    map[int64]int
	inbox   map[int64][]delivery
	deleted map[int64][]int
	closed  map[int64]bool

	// onSend, when set, runs before every send outside the lock.
	onSend func(chatID int64)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		next:    map[int64]int{},
		inbox:   map[int64][]delivery{},
		deleted: map[int64][]int{},
		closed:  map[int64]bool{},
	}
}

// inbound allocates the id of a message the chat sends.
func (f *fakeTransport) inbound(chatID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next[chatID]++
	return f.next[chatID]
}

func (f *fakeTransport) Send(_ context.Context, chatID int64, text string, _ chat.Format) (int, error) {
	if f.onSend != nil {
		f.onSend(chatID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed[chatID] {
		return 0, errors.Wrapf(chat.ErrDeliveryDenied, "chat %d", chatID)
	}
	f.next[chatID]++
	id := f.next[chatID]
	f.inbox[chatID] = append(f.inbox[chatID], delivery{id: id, text: text})
	return id, nil
}

func (f *fakeTransport) Delete(_ context.Context, chatID int64, messageID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if messageID > f.next[chatID] {
		return errors.Wrapf(chat.ErrNotFound, "message %d", messageID)
	}
	f.deleted[chatID] = append(f.deleted[chatID], messageID)
	return nil
}

func (f *fakeTransport) texts(chatID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, d := range f.inbox[chatID] {
		out = append(out, d.text)
	}
	return out
}

func (f *fakeTransport) last(chatID int64) string {
	texts := f.texts(chatID)
	if len(texts) == 0 {
		return ""
	}
	return texts[len(texts)-1]
}

type harness struct {
	svc       *Service
	transport *fakeTransport
	ledger    *retention.MemoryLedger
	catalog   *locale.Catalog
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, func(*Options) {})
}

func newHarnessWith(t *testing.T, configure func(*Options)) *harness {
	tr := newFakeTransport()
	ledger := retention.NewMemoryLedger()
	catalog := locale.MustDefault()
	opts := Options{
		Transport:  tr,
		Ledger:     ledger,
		Catalog:    catalog,
		Pseudonyms: pseudonym.NewWithSalt("test"),
		Logger:     zaptest.NewLogger(t),
	}
	configure(&opts)
	svc, err := New(opts)
	require.NoError(t, err)
	return &harness{svc: svc, transport: tr, ledger: ledger, catalog: catalog}
}

func (h *harness) msg(chatID int64, name string) chat.Inbound {
	return chat.Inbound{ChatID: chatID, MessageID: h.transport.inbound(chatID), Lang: "en", Name: name}
}

var (
	berlin  = geo.Coord{Lat: 52.5200, Lon: 13.4050}
	berlin2 = geo.Coord{Lat: 52.5201, Lon: 13.4051}
	gabon   = geo.Coord{Lat: 2.5000, Lon: 4.5000}
)

func TestNewRequiresTransport(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestStartAndHelp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.svc.Start(ctx, h.msg(77, "Ada")))
	assert.Equal(t, h.catalog.Render("en", locale.KeyWelcome, locale.Vars{ChatID: 77}), h.transport.last(77))
	assert.Contains(t, h.transport.last(77), "77")

	in := h.msg(77, "Ada")
	in.Lang = "fr"
	require.NoError(t, h.svc.Help(ctx, in))
	assert.Equal(t, h.catalog.Render("fr", locale.KeyHelp, locale.Vars{}), h.transport.last(77))

	// inbound 1, welcome 2, inbound 3, help 4
	assert.Equal(t, []int{1, 2, 3, 4}, h.ledger.IDs(77))
}

func TestLocationRegistersAndNotifies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.svc.Location(ctx, h.msg(1, "Ada"), berlin))
	require.NoError(t, h.svc.Location(ctx, h.msg(2, "Alan"), berlin2))
	require.NoError(t, h.svc.Location(ctx, h.msg(3, "Grace"), gabon))

	ada, err := h.svc.Directory().LookupByChatID(1)
	require.NoError(t, err)
	alan, err := h.svc.Directory().LookupByChatID(2)
	require.NoError(t, err)
	assert.Regexp(t, `^u__[0-9a-f]{15}$`, ada)
	assert.NotEqual(t, ada, alan)

	assert.Equal(t, []string{
		h.catalog.Render("en", locale.KeyLocation, locale.Vars{Pseudonym: ada, GroupSize: 1}),
		h.catalog.Render("en", locale.KeyJoin, locale.Vars{Pseudonym: alan}),
	}, h.transport.texts(1))
	assert.Equal(t, h.catalog.Render("en", locale.KeyLocation, locale.Vars{Pseudonym: alan, GroupSize: 2}), h.transport.last(2))
	assert.Len(t, h.transport.texts(3), 1, "Gabon gets only its own reply")

	stats := h.svc.Stats()
	assert.Equal(t, 3, stats.Participants)
	assert.Equal(t, 2, stats.Groups)
}

func TestLocationReusesPseudonym(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.svc.Location(ctx, h.msg(1, "Ada"), gabon))
	first, err := h.svc.Directory().LookupByChatID(1)
	require.NoError(t, err)

	require.NoError(t, h.svc.Location(ctx, h.msg(1, "Ada Renamed"), berlin))
	second, err := h.svc.Directory().LookupByChatID(1)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	p, err := h.svc.Directory().Lookup(first)
	require.NoError(t, err)
	assert.Equal(t, berlin, p.Coord)
}

func TestLocationInvalid(t *testing.T) {
	h := newHarness(t)

	err := h.svc.Location(context.Background(), h.msg(1, "Ada"), geo.Coord{Lat: 123, Lon: 0})
	assert.True(t, errors.Is(err, chat.ErrValidation))
	assert.Equal(t, 0, h.svc.Directory().Len())
	assert.Empty(t, h.transport.texts(1))
}

func TestTextRelaysToGroup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.svc.Location(ctx, h.msg(1, "Ada"), berlin))
	require.NoError(t, h.svc.Location(ctx, h.msg(2, "Alan"), berlin2))
	require.NoError(t, h.svc.Location(ctx, h.msg(3, "Grace"), gabon))
	ada, _ := h.svc.Directory().LookupByChatID(1)

	before1, before3 := len(h.transport.texts(1)), len(h.transport.texts(3))
	require.NoError(t, h.svc.Text(ctx, h.msg(1, "Ada"), "hello", nil))

	assert.Equal(t, "__**"+ada+"**__\n\nhello", h.transport.last(2))
	assert.Len(t, h.transport.texts(1), before1, "sender gets no copy")
	assert.Len(t, h.transport.texts(3), before3, "other group gets nothing")

	// Alan's chat ledger holds the relayed message id.
	ids := h.ledger.IDs(2)
	assert.Contains(t, ids, h.transport.next[2])
}

func TestTextUnregisteredGetsHint(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.svc.Text(context.Background(), h.msg(9, "Ada"), "anyone?", nil))
	assert.Equal(t, h.catalog.Render("en", locale.KeyNotRegistered, locale.Vars{}), h.transport.last(9))
}

func TestTextEmpty(t *testing.T) {
	h := newHarness(t)

	err := h.svc.Text(context.Background(), h.msg(9, "Ada"), "  ", nil)
	assert.True(t, errors.Is(err, chat.ErrValidation))
	assert.Empty(t, h.transport.texts(9))
}

func TestStopPurgesAndLeaves(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.svc.Start(ctx, h.msg(1, "Ada")))
	require.NoError(t, h.svc.Location(ctx, h.msg(1, "Ada"), berlin))
	require.NoError(t, h.svc.Location(ctx, h.msg(2, "Alan"), berlin2))

	stop := h.msg(1, "Ada")
	require.NoError(t, h.svc.Stop(ctx, stop))

	assert.Equal(t, h.catalog.Render("en", locale.KeyGoodbye, locale.Vars{}), h.transport.last(1))
	_, err := h.svc.Directory().LookupByChatID(1)
	assert.True(t, errors.Is(err, chat.ErrNotRegistered))
	assert.Nil(t, h.ledger.IDs(1))

	// Chat 1 saw ids 1..7: start, welcome, location, reply, join notice,
	// stop, goodbye. Every one of them is deleted; the trailing ids past the
	// last message are not found.
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7}, h.transport.deleted[1])
	assert.Empty(t, h.transport.deleted[2])

	// The remaining participant no longer sees chat 1 as a peer.
	_, peers, err := h.svc.Directory().Peers(mustLookup(t, h, 2))
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestStopWithoutHistoryUsesLookback(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 4; i++ {
		h.transport.inbound(5)
	}

	require.NoError(t, h.svc.Stop(context.Background(), h.msg(5, "Ada")))
	// Nothing was tracked for chat 5, so the ids before the stop command
	// are tried, clamped at 1. The stop command and goodbye stay.
	assert.Equal(t, []int{1, 2, 3, 4}, h.transport.deleted[5])
	assert.Nil(t, h.ledger.IDs(5))
}

func TestStopLookbackRange(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 40; i++ {
		h.transport.inbound(5)
	}

	stop := h.msg(5, "Ada")
	require.Equal(t, 41, stop.MessageID)
	require.NoError(t, h.svc.Stop(context.Background(), stop))

	var want []int
	for id := stop.MessageID - retention.DefaultLookback; id < stop.MessageID; id++ {
		want = append(want, id)
	}
	assert.Equal(t, want, h.transport.deleted[5])
}

func TestStopLookbackConfigured(t *testing.T) {
	h := newHarnessWith(t, func(o *Options) { o.Purge.Lookback = 3 })
	for i := 0; i < 10; i++ {
		h.transport.inbound(5)
	}

	require.NoError(t, h.svc.Stop(context.Background(), h.msg(5, "Ada")))
	assert.Equal(t, []int{8, 9, 10}, h.transport.deleted[5])
}

func TestStopIgnoresLateDeliveries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.svc.Location(ctx, h.msg(1, "Ada"), berlin))
	require.NoError(t, h.svc.Location(ctx, h.msg(2, "Alan"), berlin2))

	// Chat 1 stops while Alan's message to it is in flight: the peers were
	// resolved before the stop, the delivery lands after it.
	var stopped atomic.Bool
	h.transport.onSend = func(chatID int64) {
		if chatID == 1 && stopped.CompareAndSwap(false, true) {
			assert.NoError(t, h.svc.Stop(ctx, h.msg(1, "Ada")))
		}
	}
	require.NoError(t, h.svc.Text(ctx, h.msg(2, "Alan"), "still there?", nil))

	assert.Equal(t, 1, h.svc.Directory().Len())
	assert.Nil(t, h.ledger.IDs(1))
	assert.Equal(t, 1, h.svc.Stats().Ledger.Chats, "only chat 2 is tracked")
}

func TestJoinNoticeFollowsRecipientLanguage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ada := h.msg(1, "Ada")
	ada.Lang = "fr"
	require.NoError(t, h.svc.Location(ctx, ada, berlin))
	require.NoError(t, h.svc.Location(ctx, h.msg(2, "Alan"), berlin2))
	require.NoError(t, h.svc.Location(ctx, h.msg(3, "Grace"), berlin))
	alan := mustLookup(t, h, 2)
	grace := mustLookup(t, h, 3)

	assert.Contains(t, h.transport.texts(1),
		h.catalog.Render("fr", locale.KeyJoin, locale.Vars{Pseudonym: alan}))
	assert.Equal(t,
		h.catalog.Render("en", locale.KeyJoin, locale.Vars{Pseudonym: grace}),
		h.transport.texts(2)[1])
	assert.NotEqual(t,
		h.catalog.Render("fr", locale.KeyJoin, locale.Vars{Pseudonym: grace}),
		h.catalog.Render("en", locale.KeyJoin, locale.Vars{Pseudonym: grace}))
}

func TestStopGoodbyeFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.svc.Location(ctx, h.msg(1, "Ada"), berlin))
	h.transport.closed[1] = true

	err := h.svc.Stop(ctx, h.msg(1, "Ada"))
	assert.True(t, errors.Is(err, chat.ErrDeliveryDenied))
	assert.Equal(t, 0, h.svc.Directory().Len())
}

func TestDisconnect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.svc.Location(ctx, h.msg(1, "Ada"), berlin))

	h.svc.Disconnect(ctx, 1)
	assert.Equal(t, 0, h.svc.Directory().Len())
	assert.Nil(t, h.ledger.IDs(1))
	assert.Empty(t, h.transport.deleted[1])

	// Unknown chats are ignored.
	h.svc.Disconnect(ctx, 42)
}

func mustLookup(t *testing.T, h *harness, chatID int64) string {
	t.Helper()
	name, err := h.svc.Directory().LookupByChatID(chatID)
	require.NoError(t, err)
	return name
}
