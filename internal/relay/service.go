package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dreamware/tchaka/internal/broadcast"
	"github.com/dreamware/tchaka/internal/chat"
	"github.com/dreamware/tchaka/internal/directory"
	"github.com/dreamware/tchaka/internal/geo"
	"github.com/dreamware/tchaka/internal/locale"
	"github.com/dreamware/tchaka/internal/metrics"
	"github.com/dreamware/tchaka/internal/pseudonym"
	"github.com/dreamware/tchaka/internal/retention"
)

// Options configures a Service. Transport is required; every other field
// has a usable default.
type Options struct {
	Transport  chat.Transport
	Directory  *directory.Directory
	Ledger     retention.Ledger
	Catalog    *locale.Catalog
	Pseudonyms *pseudonym.Generator
	Logger     *zap.Logger
	Metrics    *metrics.Metrics

	// Broadcast and Purge carry tunables. Their collaborators (resolver,
	// sender, recorder, deleter, logger, metrics) are filled in by New.
	Broadcast broadcast.Options
	Purge     retention.Options
}

// Service handles inbound chat updates.
//
// It composes the directory, the broadcaster and the purger into the
// command flows and keeps two pieces of per-chat state of its own: the
// message ledger and the language each chat last wrote in.
//
// Thread Safety:
// All methods are safe for concurrent use across chats. Commands for one
// chat are expected to arrive in order, as the gateway delivers them.
type Service struct {
	transport   chat.Transport
	directory   *directory.Directory
	ledger      retention.Ledger
	catalog     *locale.Catalog
	pseudonyms  *pseudonym.Generator
	broadcaster *broadcast.Broadcaster
	purger      *retention.Purger
	logger      *zap.Logger

	mu    sync.RWMutex
	langs map[int64]string // chat id -> last language tag seen
}

// Stats is a summary of live state for health reporting.
type Stats struct {
	Participants int                   `json:"participants"`
	Groups       int                   `json:"groups"`
	Ledger       retention.LedgerStats `json:"ledger"`
}

// New wires a Service.
func New(opts Options) (*Service, error) {
	if opts.Transport == nil {
		return nil, errors.New("relay: transport is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := opts.Directory
	if dir == nil {
		dir = directory.New(directory.Options{Logger: logger.Named("directory"), Metrics: opts.Metrics})
	}
	ledger := opts.Ledger
	if ledger == nil {
		ledger = retention.NewMemoryLedger()
	}
	catalog := opts.Catalog
	if catalog == nil {
		var err error
		if catalog, err = locale.Default(); err != nil {
			return nil, errors.Wrap(err, "relay: load catalog")
		}
	}
	pseudonyms := opts.Pseudonyms
	if pseudonyms == nil {
		pseudonyms = pseudonym.New()
	}

	s := &Service{
		transport:  opts.Transport,
		directory:  dir,
		ledger:     ledger,
		catalog:    catalog,
		pseudonyms: pseudonyms,
		logger:     logger,
		langs:      make(map[int64]string),
	}

	bopts := opts.Broadcast
	bopts.Resolver = dir
	bopts.Sender = opts.Transport
	bopts.Recorder = chat.RecorderFunc(s.recordDelivery)
	bopts.Logger = logger.Named("broadcast")
	bopts.Metrics = opts.Metrics
	if bopts.JoinText == nil {
		bopts.JoinText = func(to chat.Participant, name string) string {
			return catalog.Render(s.language(to.ChatID), locale.KeyJoin, locale.Vars{Pseudonym: name})
		}
	}
	s.broadcaster = broadcast.New(bopts)

	popts := opts.Purge
	popts.Deleter = opts.Transport
	popts.Logger = logger.Named("retention")
	popts.Metrics = opts.Metrics
	s.purger = retention.New(popts)

	return s, nil
}

// Directory returns the participant directory.
func (s *Service) Directory() *directory.Directory {
	return s.directory
}

// Stats returns directory and ledger sizes.
func (s *Service) Stats() Stats {
	snap := s.directory.Snapshot()
	return Stats{
		Participants: len(snap.Participants),
		Groups:       len(snap.Groups),
		Ledger:       s.ledger.Stats(),
	}
}

// Start replies with the welcome text, which includes the chat id.
func (s *Service) Start(ctx context.Context, in chat.Inbound) error {
	s.observe(in)
	return s.reply(ctx, in, locale.KeyWelcome, locale.Vars{ChatID: in.ChatID})
}

// Help replies with the command overview.
func (s *Service) Help(ctx context.Context, in chat.Inbound) error {
	s.observe(in)
	return s.reply(ctx, in, locale.KeyHelp, locale.Vars{ChatID: in.ChatID})
}

// Location registers the chat at coord and announces it to its group.
//
// A chat that already has a pseudonym keeps it; otherwise one is derived
// from the sender's name and chat id. The join notice goes out before the
// location reply, so the reporter's own reply is the last message of the
// exchange.
//
// Parameters:
//   - ctx: Passed to the join fan-out and the reply
//   - in: The inbound location update; its id is recorded
//   - coord: Reported position; must satisfy geo.Coord.Valid
//
// Returns:
//   - A wrapped chat.ErrValidation for an invalid coordinate; nothing changes
//   - The reply delivery error, if the location reply could not be sent
//   - nil otherwise, whatever happened to the join notices
func (s *Service) Location(ctx context.Context, in chat.Inbound, coord geo.Coord) error {
	s.observe(in)

	name, err := s.directory.LookupByChatID(in.ChatID)
	if err != nil {
		name = s.pseudonyms.Pseudonym(identity(in))
	}

	size, err := s.directory.Register(name, in.ChatID, coord)
	if err != nil {
		return errors.Wrapf(err, "location from chat %d", in.ChatID)
	}

	join := s.broadcaster.NotifyJoin(ctx, name, in.ChatID)
	s.logger.Info("participant located",
		zap.String("pseudonym", name),
		zap.Int64("chatID", in.ChatID),
		zap.Int("groupSize", size),
		zap.Int("notified", join.Delivered))

	return s.reply(ctx, in, locale.KeyLocation, locale.Vars{
		ChatID:    in.ChatID,
		Pseudonym: name,
		GroupSize: size,
	})
}

// Text relays text to the sender's group. quoted is the text being replied
// to, if any.
//
// Blank text is rejected with a wrapped chat.ErrValidation before any
// lookup. A chat without a location gets the not-registered hint instead of
// a relay. The sender never receives a copy of its own message.
func (s *Service) Text(ctx context.Context, in chat.Inbound, text string, quoted *string) error {
	s.observe(in)

	if strings.TrimSpace(text) == "" {
		return errors.Wrap(chat.ErrValidation, "empty text")
	}

	name, err := s.directory.LookupByChatID(in.ChatID)
	if err != nil {
		s.logger.Debug("text from unregistered chat", zap.Int64("chatID", in.ChatID))
		return s.reply(ctx, in, locale.KeyNotRegistered, locale.Vars{ChatID: in.ChatID})
	}

	report := s.broadcaster.Dispatch(ctx, name, text, quoted)
	s.logger.Debug("text relayed",
		zap.String("pseudonym", name),
		zap.Int("recipients", report.Recipients),
		zap.Int("delivered", report.Delivered))
	return nil
}

// Stop says goodbye, removes the chat from the directory and purges its
// history. The purge runs to completion before Stop returns.
//
// Flow:
//  1. The chat's tracked history is taken out of the ledger. The stop
//     command itself is not tracked.
//  2. The goodbye reply is sent, untracked as well.
//  3. The chat leaves the directory, so no new fan-out targets it.
//  4. The purge deletes every tracked id plus the two that follow it, which
//     covers the stop command and the goodbye. With no tracked history it
//     falls back to the lookback range before the stop command.
//  5. Anything recorded for the chat while the purge ran is dropped.
//
// Returns:
//   - The goodbye delivery error, if any, after the cleanup has run
//   - nil otherwise; purge failures are never returned
func (s *Service) Stop(ctx context.Context, in chat.Inbound) error {
	known := s.ledger.Drop(in.ChatID)

	text := s.catalog.Render(in.Lang, locale.KeyGoodbye, locale.Vars{ChatID: in.ChatID})
	_, replyErr := s.transport.Send(ctx, in.ChatID, text, chat.FormatMarkdown)
	if replyErr != nil {
		replyErr = errors.Wrapf(replyErr, "reply %s to chat %d", locale.KeyGoodbye, in.ChatID)
		s.logger.Warn("goodbye not delivered", zap.Int64("chatID", in.ChatID), zap.Error(replyErr))
	}

	s.leave(in.ChatID)
	s.purger.Purge(ctx, in.ChatID, in.MessageID, known)

	if late := s.ledger.Drop(in.ChatID); len(late) > 0 {
		s.logger.Debug("dropped ids recorded during purge",
			zap.Int64("chatID", in.ChatID), zap.Ints("messageIDs", late))
	}
	return replyErr
}

// Disconnect forgets a chat whose connection is gone. Nothing is purged.
func (s *Service) Disconnect(_ context.Context, chatID int64) {
	s.leave(chatID)
	s.ledger.Drop(chatID)
}

func (s *Service) leave(chatID int64) {
	s.mu.Lock()
	delete(s.langs, chatID)
	s.mu.Unlock()

	p, err := s.directory.UnregisterByChatID(chatID)
	if err != nil {
		return
	}
	s.logger.Info("participant left", zap.String("pseudonym", p.Pseudonym), zap.Int64("chatID", chatID))
}

// observe records an inbound message id and remembers the chat's language.
func (s *Service) observe(in chat.Inbound) {
	s.ledger.Record(in.ChatID, in.MessageID)
	if in.Lang == "" {
		return
	}
	s.mu.Lock()
	s.langs[in.ChatID] = in.Lang
	s.mu.Unlock()
}

// language is the tag chatID last wrote in, or the catalog default.
func (s *Service) language(chatID int64) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if lang, ok := s.langs[chatID]; ok {
		return lang
	}
	return locale.DefaultLanguage
}

// recordDelivery tracks a fan-out delivery. A chat that left the directory
// between peer resolution and delivery is not tracked again.
func (s *Service) recordDelivery(chatID int64, messageID int) {
	if _, err := s.directory.LookupByChatID(chatID); err != nil {
		return
	}
	s.ledger.Record(chatID, messageID)
}

// reply sends a catalog text back to the inbound chat and records it.
func (s *Service) reply(ctx context.Context, in chat.Inbound, key locale.Key, vars locale.Vars) error {
	text := s.catalog.Render(in.Lang, key, vars)
	id, err := s.transport.Send(ctx, in.ChatID, text, chat.FormatMarkdown)
	if err != nil {
		return errors.Wrapf(err, "reply %s to chat %d", key, in.ChatID)
	}
	s.ledger.Record(in.ChatID, id)
	return nil
}

// identity is what a new pseudonym is derived from. The chat id keeps two
// people with the same display name apart.
func identity(in chat.Inbound) string {
	return fmt.Sprintf("%s#%d", in.Name, in.ChatID)
}
