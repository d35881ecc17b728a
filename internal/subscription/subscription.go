// Package subscription implements the Subscription actor: the owner of
// one (server, topic) Listener, responsible for persisting incoming
// messages, deciding whether to notify the desktop, tracking the unread
// cursor, and fanning out events to attached observers (e.g. a UI).
//
// Its shape is a mailbox goroutine multiplexing commands against its
// owned Listener's event channel, built on the actor.Call convention
// internal/actor provides.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ntfy-daemon/ntfyd/internal/actor"
	"github.com/ntfy-daemon/ntfyd/internal/emoji"
	"github.com/ntfy-daemon/ntfyd/internal/listener"
	"github.com/ntfy-daemon/ntfyd/internal/model"
	"github.com/ntfy-daemon/ntfyd/internal/notify"
	"github.com/ntfy-daemon/ntfyd/internal/ntfyerr"
	"github.com/ntfy-daemon/ntfyd/internal/repo"
)

// observerQueueSize bounds how many events an attached observer (a UI
// frontend) can lag behind before it starts missing events rather than
// blocking the actor.
const observerQueueSize = 32

type getModelCmd struct {
	reply actor.Reply[model.Subscription]
}

type updateInfoCmd struct {
	displayName  *string
	muted        *bool
	archived     *bool
	reserved     *bool
	symbolicIcon *string
	reply        actor.Reply[error]
}

type publishCmd struct {
	message model.Message
	reply   actor.Reply[error]
}

type attachCmd struct {
	reply actor.Reply[attachResult]
}

type attachResult struct {
	replay []model.ListenerEvent
	id     int
	ch     <-chan model.ListenerEvent
}

type detachCmd struct {
	id int
}

type clearNotificationsCmd struct {
	reply actor.Reply[error]
}

type updateReadUntilCmd struct {
	readUntil uint64
	reply     actor.Reply[error]
}

type flagAllAsReadCmd struct {
	reply actor.Reply[error]
}

type unreadCountCmd struct {
	reply actor.Reply[unreadCountResult]
}

type unreadCountResult struct {
	count int
	err   error
}

type restartCmd struct {
	reply actor.Reply[error]
}

type shutdownCmd struct {
	reply actor.Reply[struct{}]
}

// Publisher sends a message to a (server, topic), the collaborator a
// Subscription delegates outbound publishes to.
type Publisher interface {
	Publish(ctx context.Context, server, topic string, msg model.Message) error
}

// Subscription owns a Listener and is the sole writer into the message
// repository for its (server, topic).
type Subscription struct {
	key      model.SubscriptionKey
	listener *listener.Listener
	repo     *repo.Repo
	sink     notify.Sink
	pub      Publisher
	logger   *slog.Logger

	mailbox   chan any
	observers map[int]chan model.ListenerEvent
	nextObs   int

	// current mirrors the persisted row's mutable fields so the hot path
	// (handleListenerEvent) never needs a DB round trip to decide whether
	// to notify or what title to fall back to.
	current model.Subscription
}

// New builds a Subscription actor. The caller is responsible for starting
// lst.Run separately; Run drains lst.Outbox() as long as it runs.
func New(sub model.Subscription, lst *listener.Listener, r *repo.Repo, sink notify.Sink, pub Publisher, logger *slog.Logger) *Subscription {
	return &Subscription{
		key:       sub.Key(),
		listener:  lst,
		repo:      r,
		sink:      sink,
		pub:       pub,
		logger:    logger,
		mailbox:   make(chan any, 8),
		observers: make(map[int]chan model.ListenerEvent),
		current:   sub,
	}
}

// GetModel returns the current persisted subscription row.
func (s *Subscription) GetModel(ctx context.Context) (model.Subscription, error) {
	reply := actor.NewReply[model.Subscription]()
	return actor.Call[any](ctx, s.mailbox, getModelCmd{reply: reply}, reply)
}

// UpdateInfoRequest carries only the fields the caller wants changed; nil
// fields are left as-is.
type UpdateInfoRequest struct {
	DisplayName  *string
	Muted        *bool
	Archived     *bool
	Reserved     *bool
	SymbolicIcon *string
}

// UpdateInfo patches the subscription's display metadata. Server and topic
// are immutable and are never touched here.
func (s *Subscription) UpdateInfo(ctx context.Context, req UpdateInfoRequest) error {
	reply := actor.NewReply[error]()
	err, callErr := actor.Call[any](ctx, s.mailbox, updateInfoCmd{
		displayName: req.DisplayName, muted: req.Muted, archived: req.Archived,
		reserved: req.Reserved, symbolicIcon: req.SymbolicIcon,
		reply: reply,
	}, reply)
	if callErr != nil {
		return callErr
	}
	return err
}

// Publish sends msg to this subscription's (server, topic).
func (s *Subscription) Publish(ctx context.Context, msg model.Message) error {
	reply := actor.NewReply[error]()
	err, callErr := actor.Call[any](ctx, s.mailbox, publishCmd{message: msg, reply: reply}, reply)
	if callErr != nil {
		return callErr
	}
	return err
}

// Attach registers a new observer and returns a replay of every
// historically persisted message (ascending time) followed
// by one ConnectionStateChanged event carrying the listener's current
// state, plus the live channel the caller should read from thereafter.
// Call Detach with the returned id when done.
func (s *Subscription) Attach(ctx context.Context) (replay []model.ListenerEvent, id int, ch <-chan model.ListenerEvent, err error) {
	reply := actor.NewReply[attachResult]()
	res, err := actor.Call[any](ctx, s.mailbox, attachCmd{reply: reply}, reply)
	if err != nil {
		return nil, 0, nil, err
	}
	return res.replay, res.id, res.ch, nil
}

// Detach unregisters an observer. Fire-and-forget: safe to call even after
// the Subscription has shut down.
func (s *Subscription) Detach(ctx context.Context, id int) {
	_ = actor.Send[any](ctx, s.mailbox, detachCmd{id: id})
}

// ClearNotifications deletes this subscription's stored message history.
func (s *Subscription) ClearNotifications(ctx context.Context) error {
	reply := actor.NewReply[error]()
	err, callErr := actor.Call[any](ctx, s.mailbox, clearNotificationsCmd{reply: reply}, reply)
	if callErr != nil {
		return callErr
	}
	return err
}

// UpdateReadUntil advances the read cursor, the "mark as read" operation.
func (s *Subscription) UpdateReadUntil(ctx context.Context, readUntil uint64) error {
	reply := actor.NewReply[error]()
	err, callErr := actor.Call[any](ctx, s.mailbox, updateReadUntilCmd{readUntil: readUntil, reply: reply}, reply)
	if callErr != nil {
		return callErr
	}
	return err
}

// FlagAllAsRead advances read_until to the most recently persisted
// message's time, if doing so would advance it; it is a no-op otherwise.
func (s *Subscription) FlagAllAsRead(ctx context.Context) error {
	reply := actor.NewReply[error]()
	err, callErr := actor.Call[any](ctx, s.mailbox, flagAllAsReadCmd{reply: reply}, reply)
	if callErr != nil {
		return callErr
	}
	return err
}

// UnreadCount reports the single-bit unread indicator: 1 if the most
// recently persisted message's time exceeds read_until, else 0.
func (s *Subscription) UnreadCount(ctx context.Context) (int, error) {
	reply := actor.NewReply[unreadCountResult]()
	res, callErr := actor.Call[any](ctx, s.mailbox, unreadCountCmd{reply: reply}, reply)
	if callErr != nil {
		return 0, callErr
	}
	return res.count, res.err
}

// Restart forces the owned Listener to reconnect immediately.
func (s *Subscription) Restart(ctx context.Context) error {
	reply := actor.NewReply[error]()
	err, callErr := actor.Call[any](ctx, s.mailbox, restartCmd{reply: reply}, reply)
	if callErr != nil {
		return callErr
	}
	return err
}

// Shutdown stops the Subscription and its owned Listener.
func (s *Subscription) Shutdown(ctx context.Context) error {
	reply := actor.NewReply[struct{}]()
	_, err := actor.Call[any](ctx, s.mailbox, shutdownCmd{reply: reply}, reply)
	return err
}

// Run is the actor loop: drains the owned Listener's outbox, persisting
// messages and deciding on notifications, while servicing the command
// mailbox. It returns once Shutdown succeeds or ctx is cancelled.
func (s *Subscription) Run(ctx context.Context) {
	for {
		select {
		case evt, ok := <-s.listener.Outbox():
			if !ok {
				return
			}
			s.handleListenerEvent(evt)

		case cmd := <-s.mailbox:
			if s.handleCmd(ctx, cmd) {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

func (s *Subscription) handleListenerEvent(evt model.ListenerEvent) {
	if evt.Kind == model.ListenerEventMessage {
		err := s.repo.InsertMessage(s.key.Server, s.key.Topic, evt.Msg)
		switch {
		case err == nil:
			if !s.current.Muted {
				s.notify(evt.Msg)
			}
		case errors.Is(err, ntfyerr.ErrDuplicateMessage):
			// Already handled: a reconnect replayed history. No
			// notification, no fan-out.
			return
		default:
			s.logger.Error("failed to persist message", "server", s.key.Server, "topic", s.key.Topic, "error", err)
		}
	}
	s.fanOut(evt)
}

// notify builds and sends the desktop Notification for msg. Title falls
// back from the message's own (emoji-prefixed) title, to the
// subscription's display name, to the bare topic; it is never empty.
// Sink failure is treated as a host-adapter bug, not a recoverable error.
func (s *Subscription) notify(msg model.Message) {
	title := emoji.DisplayTitle(msg)
	if title == "" {
		title = s.current.DisplayName
	}
	if title == "" {
		title = msg.Topic
	}
	body := emoji.DisplayMessage(msg)
	if err := s.sink.Send(model.Notification{Title: title, Body: body, Actions: msg.Actions}); err != nil {
		s.logger.Error("notification sink failed, treating as fatal", "server", s.key.Server, "topic", s.key.Topic, "error", err)
		panic(fmt.Sprintf("notification sink failed: %v", err))
	}
}

func (s *Subscription) fanOut(evt model.ListenerEvent) {
	for id, ch := range s.observers {
		select {
		case ch <- evt:
		default:
			s.logger.Warn("observer lagging, dropping event", "server", s.key.Server, "topic", s.key.Topic, "observer", id)
		}
	}
}

// handleCmd returns true if the Subscription should stop running.
func (s *Subscription) handleCmd(ctx context.Context, cmd any) bool {
	switch c := cmd.(type) {
	case getModelCmd:
		m, err := s.repo.GetSubscription(s.key.Server, s.key.Topic)
		if err != nil {
			s.logger.Error("load subscription model", "error", err)
		} else {
			s.current = m
		}
		c.reply.Send(m)

	case updateInfoCmd:
		cur, err := s.currentModel()
		if err != nil {
			c.reply.Send(err)
			return false
		}
		// server and topic are immutable; every other field takes the
		// caller's value when supplied.
		cur.Server, cur.Topic = s.key.Server, s.key.Topic
		if c.displayName != nil {
			cur.DisplayName = *c.displayName
		}
		if c.muted != nil {
			cur.Muted = *c.muted
		}
		if c.archived != nil {
			cur.Archived = *c.archived
		}
		if c.reserved != nil {
			cur.Reserved = *c.reserved
		}
		if c.symbolicIcon != nil {
			cur.SymbolicIcon = *c.symbolicIcon
		}
		err = s.repo.UpdateSubscription(cur)
		if err == nil {
			s.current = cur
		}
		c.reply.Send(err)

	case publishCmd:
		c.reply.Send(s.pub.Publish(ctx, s.key.Server, s.key.Topic, c.message))

	case attachCmd:
		replay, err := s.repo.ListMessages(s.key.Server, s.key.Topic, 0)
		if err != nil {
			s.logger.Error("replay history on attach", "server", s.key.Server, "topic", s.key.Topic, "error", err)
		}
		events := make([]model.ListenerEvent, 0, len(replay)+1)
		for _, m := range replay {
			events = append(events, model.NewMessageEvent(m))
		}
		state, err := s.listener.GetState(ctx)
		if err != nil {
			s.logger.Warn("get listener state on attach", "server", s.key.Server, "topic", s.key.Topic, "error", err)
		}
		events = append(events, model.NewStateEvent(state))

		ch := make(chan model.ListenerEvent, observerQueueSize)
		id := s.nextObs
		s.nextObs++
		s.observers[id] = ch
		c.reply.Send(attachResult{replay: events, id: id, ch: ch})

	case detachCmd:
		if ch, ok := s.observers[c.id]; ok {
			close(ch)
			delete(s.observers, c.id)
		}

	case clearNotificationsCmd:
		c.reply.Send(s.repo.DeleteMessages(s.key.Server, s.key.Topic))

	case updateReadUntilCmd:
		err := s.repo.UpdateReadUntil(s.key.Server, s.key.Topic, c.readUntil)
		if err == nil {
			s.current.ReadUntil = c.readUntil
		}
		c.reply.Send(err)

	case flagAllAsReadCmd:
		latest, ok, err := s.repo.LatestMessageTime(s.key.Server, s.key.Topic)
		if err != nil {
			c.reply.Send(err)
			return false
		}
		if !ok || latest <= s.current.ReadUntil {
			c.reply.Send(nil)
			return false
		}
		err = s.repo.UpdateReadUntil(s.key.Server, s.key.Topic, latest)
		if err == nil {
			s.current.ReadUntil = latest
		}
		c.reply.Send(err)

	case unreadCountCmd:
		latest, ok, err := s.repo.LatestMessageTime(s.key.Server, s.key.Topic)
		if err != nil {
			c.reply.Send(unreadCountResult{err: err})
			return false
		}
		if ok && latest > s.current.ReadUntil {
			c.reply.Send(unreadCountResult{count: 1})
		} else {
			c.reply.Send(unreadCountResult{count: 0})
		}

	case restartCmd:
		c.reply.Send(s.listener.Restart(ctx))

	case shutdownCmd:
		err := s.listener.Shutdown(ctx)
		if err != nil {
			s.logger.Warn("listener shutdown error", "server", s.key.Server, "topic", s.key.Topic, "error", err)
		}
		for id, ch := range s.observers {
			close(ch)
			delete(s.observers, id)
		}
		c.reply.Send(struct{}{})
		return true
	}
	return false
}

func (s *Subscription) currentModel() (model.Subscription, error) {
	return s.repo.GetSubscription(s.key.Server, s.key.Topic)
}
