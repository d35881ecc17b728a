// Package ntfy implements the Ntfy coordinator: the top-level actor that
// owns every live (server, topic) subscription, restores them from the
// message repository on startup, refreshes them on demand or on a
// network-change signal, and mediates credential/account operations.
//
// Its shape is a mailbox goroutine owning a map of child actors, spawned
// and torn down under contexts it controls, following the same actor.Call
// convention internal/listener and internal/subscription are built on.
package ntfy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/ntfy-daemon/ntfyd/internal/actor"
	"github.com/ntfy-daemon/ntfyd/internal/credentials"
	"github.com/ntfy-daemon/ntfyd/internal/httpclient"
	"github.com/ntfy-daemon/ntfyd/internal/listener"
	"github.com/ntfy-daemon/ntfyd/internal/model"
	"github.com/ntfy-daemon/ntfyd/internal/netmonitor"
	"github.com/ntfy-daemon/ntfyd/internal/notify"
	"github.com/ntfy-daemon/ntfyd/internal/ntfyerr"
	"github.com/ntfy-daemon/ntfyd/internal/repo"
	"github.com/ntfy-daemon/ntfyd/internal/retry"
	"github.com/ntfy-daemon/ntfyd/internal/subscription"
)

// authProbeRetries bounds how many attempts in total AddAccount makes at
// the auth-validation probe before giving up; a single flaky request should
// not reject a valid credential.
const authProbeRetries = 3

type handle struct {
	sub    *subscription.Subscription
	lst    *listener.Listener
	cancel context.CancelFunc
	done   chan struct{}
}

type subscribeCmd struct {
	server, topic string
	reply         actor.Reply[subscribeResult]
}

type subscribeResult struct {
	sub *subscription.Subscription
	err error
}

type unsubscribeCmd struct {
	server, topic string
	reply         actor.Reply[error]
}

type getCmd struct {
	server, topic string
	reply         actor.Reply[getResult]
}

type getResult struct {
	sub *subscription.Subscription
	ok  bool
}

type listSubscriptionsCmd struct {
	reply actor.Reply[[]*subscription.Subscription]
}

type listAccountsCmd struct {
	reply actor.Reply[[]model.Account]
}

type addAccountCmd struct {
	server, username, password string
	reply                      actor.Reply[error]
}

type removeAccountCmd struct {
	server string
	reply  actor.Reply[error]
}

type refreshAllCmd struct {
	reply actor.Reply[error]
}

type watchSubscribedCmd struct {
	reply actor.Reply[error]
}

type shutdownCmd struct {
	reply actor.Reply[struct{}]
}

// Coordinator owns every live subscription actor. Construct with New, then
// run its mailbox loop with Run (typically on its own goroutine) before
// issuing any commands.
type Coordinator struct {
	repo   *repo.Repo
	creds  *credentials.Store
	client httpclient.Client
	sink   notify.Sink
	netSrc netmonitor.Source
	logger *slog.Logger
	pub    *httpPublisher

	mailbox chan any
	subs    map[model.SubscriptionKey]*handle

	backoffMin, backoffMax time.Duration
	backoffMultiplier      int64
}

// New builds a Coordinator. netSrc may be netmonitor.NewNullSource() if no
// real connectivity signal is available.
func New(r *repo.Repo, creds *credentials.Store, client httpclient.Client, sink notify.Sink, netSrc netmonitor.Source, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		repo:    r,
		creds:   creds,
		client:  client,
		sink:    sink,
		netSrc:  netSrc,
		logger:  logger,
		pub:     &httpPublisher{client: client, creds: creds},
		mailbox: make(chan any, 16),
		subs:    make(map[model.SubscriptionKey]*handle),
	}
}

// Subscribe validates and persists a new (server, topic) subscription and
// spawns its Listener and Subscription actors.
func (c *Coordinator) Subscribe(ctx context.Context, server, topic string) (*subscription.Subscription, error) {
	reply := actor.NewReply[subscribeResult]()
	res, err := actor.Call[any](ctx, c.mailbox, subscribeCmd{server: server, topic: topic, reply: reply}, reply)
	if err != nil {
		return nil, err
	}
	return res.sub, res.err
}

// Unsubscribe tears down the (server, topic) subscription's actors and
// removes it from the repository. The in-memory map removal is committed
// even if the repository delete subsequently fails; that failure is still
// surfaced to the caller.
func (c *Coordinator) Unsubscribe(ctx context.Context, server, topic string) error {
	reply := actor.NewReply[error]()
	err, callErr := actor.Call[any](ctx, c.mailbox, unsubscribeCmd{server: server, topic: topic, reply: reply}, reply)
	if callErr != nil {
		return callErr
	}
	return err
}

// Get returns the live Subscription handle for (server, topic), if any:
// the lookup a control surface uses to route Attach/Publish/etc. commands.
func (c *Coordinator) Get(ctx context.Context, server, topic string) (*subscription.Subscription, bool, error) {
	reply := actor.NewReply[getResult]()
	res, err := actor.Call[any](ctx, c.mailbox, getCmd{server: server, topic: topic, reply: reply}, reply)
	if err != nil {
		return nil, false, err
	}
	return res.sub, res.ok, nil
}

// ListSubscriptions returns a snapshot of every live subscription handle.
func (c *Coordinator) ListSubscriptions(ctx context.Context) ([]*subscription.Subscription, error) {
	reply := actor.NewReply[[]*subscription.Subscription]()
	return actor.Call[any](ctx, c.mailbox, listSubscriptionsCmd{reply: reply}, reply)
}

// ListAccounts maps stored credentials to their redacted Account view.
func (c *Coordinator) ListAccounts(ctx context.Context) ([]model.Account, error) {
	reply := actor.NewReply[[]model.Account]()
	return actor.Call[any](ctx, c.mailbox, listAccountsCmd{reply: reply}, reply)
}

// AddAccount validates server/username/password with an authenticated
// probe before persisting the credential, then refreshes every listener
// so they pick up the new auth.
func (c *Coordinator) AddAccount(ctx context.Context, server, username, password string) error {
	reply := actor.NewReply[error]()
	err, callErr := actor.Call[any](ctx, c.mailbox, addAccountCmd{server: server, username: username, password: password, reply: reply}, reply)
	if callErr != nil {
		return callErr
	}
	return err
}

// RemoveAccount deletes the credential stored for server.
func (c *Coordinator) RemoveAccount(ctx context.Context, server string) error {
	reply := actor.NewReply[error]()
	err, callErr := actor.Call[any](ctx, c.mailbox, removeAccountCmd{server: server, reply: reply}, reply)
	if callErr != nil {
		return callErr
	}
	return err
}

// RefreshAll restarts every listener sequentially, stopping at the first
// error.
func (c *Coordinator) RefreshAll(ctx context.Context) error {
	reply := actor.NewReply[error]()
	err, callErr := actor.Call[any](ctx, c.mailbox, refreshAllCmd{reply: reply}, reply)
	if callErr != nil {
		return callErr
	}
	return err
}

// WatchSubscribed loads every persisted subscription and starts a
// Listener + Subscription actor pair for each, restoring state across a
// daemon restart.
func (c *Coordinator) WatchSubscribed(ctx context.Context) error {
	reply := actor.NewReply[error]()
	err, callErr := actor.Call[any](ctx, c.mailbox, watchSubscribedCmd{reply: reply}, reply)
	if callErr != nil {
		return callErr
	}
	return err
}

// SetBackoffBounds overrides the retry.Policy bounds every subsequently
// spawned Listener starts with, sourced from the daemon's optional YAML
// config. Call before Subscribe/WatchSubscribed; zero values leave
// retry.New's defaults in place.
func (c *Coordinator) SetBackoffBounds(min, max time.Duration, multiplier int64) {
	c.backoffMin, c.backoffMax, c.backoffMultiplier = min, max, multiplier
}

// Shutdown stops every live subscription's actors and the coordinator's
// own mailbox loop.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	reply := actor.NewReply[struct{}]()
	_, err := actor.Call[any](ctx, c.mailbox, shutdownCmd{reply: reply}, reply)
	return err
}

// Run is the coordinator's mailbox loop. It also watches netSrc for
// connectivity-restored events and triggers RefreshAll on each one. Run
// returns once Shutdown succeeds or ctx is cancelled (the latter does not
// clean up child actors; callers should prefer an explicit Shutdown).
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case cmd := <-c.mailbox:
			if c.handleCmd(ctx, cmd) {
				return
			}

		case _, ok := <-c.netSrc.Changed():
			if !ok {
				continue
			}
			if err := c.refreshAllLocked(ctx); err != nil {
				c.logger.Warn("refresh on network change failed", "error", err)
			}

		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) handleCmd(ctx context.Context, cmd any) bool {
	switch cc := cmd.(type) {
	case subscribeCmd:
		sub, err := c.subscribeLocked(ctx, cc.server, cc.topic)
		cc.reply.Send(subscribeResult{sub: sub, err: err})

	case unsubscribeCmd:
		cc.reply.Send(c.unsubscribeLocked(ctx, cc.server, cc.topic))

	case getCmd:
		h, ok := c.subs[model.SubscriptionKey{Server: cc.server, Topic: cc.topic}]
		if !ok {
			cc.reply.Send(getResult{})
			break
		}
		cc.reply.Send(getResult{sub: h.sub, ok: true})

	case listSubscriptionsCmd:
		out := make([]*subscription.Subscription, 0, len(c.subs))
		for _, h := range c.subs {
			out = append(out, h.sub)
		}
		cc.reply.Send(out)

	case listAccountsCmd:
		creds := c.creds.ListAll()
		out := make([]model.Account, 0, len(creds))
		for server, cr := range creds {
			out = append(out, model.Account{Server: server, Username: cr.Username})
		}
		cc.reply.Send(out)

	case addAccountCmd:
		cc.reply.Send(c.addAccountLocked(ctx, cc.server, cc.username, cc.password))

	case removeAccountCmd:
		cc.reply.Send(c.creds.Delete(cc.server))

	case refreshAllCmd:
		cc.reply.Send(c.refreshAllLocked(ctx))

	case watchSubscribedCmd:
		cc.reply.Send(c.watchSubscribedLocked(ctx))

	case shutdownCmd:
		for key, h := range c.subs {
			c.shutdownHandle(ctx, h)
			delete(c.subs, key)
		}
		cc.reply.Send(struct{}{})
		return true
	}
	return false
}

func (c *Coordinator) subscribeLocked(ctx context.Context, server, topic string) (*subscription.Subscription, error) {
	sub, err := buildSubscription(server, topic)
	if err != nil {
		return nil, err
	}
	if _, exists := c.subs[sub.Key()]; exists {
		return nil, &ntfyerr.ErrInvalidSubscription{Errors: []error{fmt.Errorf("already subscribed to %s", sub.Key())}}
	}
	if err := c.repo.InsertSubscription(sub); err != nil {
		return nil, err
	}
	h := c.spawn(ctx, sub, 0)
	c.subs[sub.Key()] = h
	return h.sub, nil
}

func (c *Coordinator) unsubscribeLocked(ctx context.Context, server, topic string) error {
	key := model.SubscriptionKey{Server: server, Topic: topic}
	h, ok := c.subs[key]
	if ok {
		delete(c.subs, key)
		c.shutdownHandle(ctx, h)
	}
	if err := c.repo.RemoveSubscription(server, topic); err != nil {
		return err
	}
	if !ok {
		return &ntfyerr.ErrSubscriptionNotFound{Context: key.String()}
	}
	return nil
}

func (c *Coordinator) addAccountLocked(ctx context.Context, server, username, password string) error {
	if err := c.probeAuth(ctx, server, username, password); err != nil {
		return err
	}
	if err := c.creds.Insert(server, username, password); err != nil {
		return err
	}
	return c.refreshAllLocked(ctx)
}

// probeAuth issues an authenticated GET against <server>/stats/auth (any
// topic name works as a whoami probe since /auth only checks the header),
// making up to authProbeRetries attempts with a retry.Policy backoff wait
// between them.
func (c *Coordinator) probeAuth(ctx context.Context, server, username, password string) error {
	probeURL := trimTrailingSlash(server) + "/stats/auth"
	policy := retry.New()

	var lastErr error
	for attempt := 0; attempt < authProbeRetries; attempt++ {
		if attempt > 0 {
			if err := policy.Wait(ctx); err != nil {
				return err
			}
		}

		builder := c.client.Get(probeURL).BasicAuth(username, password)
		req, err := builder.Build(ctx)
		if err != nil {
			return fmt.Errorf("build auth probe request: %w", err)
		}
		resp, err := c.client.Execute(ctx, req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = &ntfyerr.ErrNonSuccessStatus{StatusCode: resp.StatusCode}
	}
	return lastErr
}

func (c *Coordinator) refreshAllLocked(ctx context.Context) error {
	for _, h := range c.subs {
		if err := h.sub.Restart(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) watchSubscribedLocked(ctx context.Context) error {
	subs, err := c.repo.ListSubscriptions()
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if _, exists := c.subs[sub.Key()]; exists {
			continue
		}
		c.subs[sub.Key()] = c.spawn(ctx, sub, sub.ReadUntil)
	}
	return nil
}

// spawn starts a Listener and Subscription actor pair for sub, bound to a
// child context of ctx so Shutdown/Unsubscribe can tear down just this
// pair without affecting any other subscription.
func (c *Coordinator) spawn(ctx context.Context, sub model.Subscription, since uint64) *handle {
	childCtx, cancel := context.WithCancel(ctx)
	lst := listener.New(sub.Server, sub.Topic, since, c.client, c.creds.Get, c.logger.With("component", "listener", "server", sub.Server, "topic", sub.Topic))
	lst.SetBackoff(c.backoffMin, c.backoffMax, c.backoffMultiplier)
	s := subscription.New(sub, lst, c.repo, c.sink, c.pub, c.logger.With("component", "subscription", "server", sub.Server, "topic", sub.Topic))

	done := make(chan struct{})
	go func() {
		defer close(done)
		go lst.Run(childCtx)
		s.Run(childCtx)
	}()

	return &handle{sub: s, lst: lst, cancel: cancel, done: done}
}

func (c *Coordinator) shutdownHandle(ctx context.Context, h *handle) {
	if err := h.sub.Shutdown(ctx); err != nil {
		c.logger.Warn("subscription shutdown error", "error", err)
	}
	h.cancel()
	<-h.done
}

// buildSubscription validates server/topic and builds the default
// persisted row for a newly subscribed topic.
func buildSubscription(server, topic string) (model.Subscription, error) {
	var errs []error
	if !model.ValidTopic(topic) {
		errs = append(errs, &ntfyerr.ErrInvalidTopic{Topic: topic})
	}
	u, err := url.Parse(server)
	if err != nil || u.Scheme == "" || u.Host == "" {
		cause := err
		if cause == nil {
			cause = errors.New("missing scheme or host")
		}
		errs = append(errs, &ntfyerr.ErrInvalidServer{Cause: cause})
	}
	if len(errs) > 0 {
		return model.Subscription{}, &ntfyerr.ErrInvalidSubscription{Errors: errs}
	}

	return model.Subscription{
		Server:      trimTrailingSlash(server),
		Topic:       topic,
		DisplayName: topic,
	}, nil
}

func trimTrailingSlash(s string) string {
	if len(s) > 0 && s[len(s)-1] == '/' {
		return s[:len(s)-1]
	}
	return s
}
