// Package listener implements the Listener actor: one goroutine per
// (server, topic) subscription that holds the long-lived NDJSON
// connection to an ntfy server, reconnecting under a jittered backoff
// policy and forwarding parsed messages and connection-state changes to
// its owning Subscription actor. Each line of the stream goes through a
// tolerant MinMessage parse (to advance the resume cursor) before the
// full Message parse is attempted.
package listener

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ntfy-daemon/ntfyd/internal/actor"
	"github.com/ntfy-daemon/ntfyd/internal/httpclient"
	"github.com/ntfy-daemon/ntfyd/internal/model"
	"github.com/ntfy-daemon/ntfyd/internal/ntfyerr"
	"github.com/ntfy-daemon/ntfyd/internal/retry"
)

// outboxSize bounds how many events a Listener will buffer for its owner
// before backpressuring the read loop; 64 matches a few minutes of normal
// traffic without letting a slow owner grow memory unbounded.
const outboxSize = 64

type restartCmd struct{}

type shutdownCmd struct {
	reply actor.Reply[struct{}]
}

type getStateCmd struct {
	reply actor.Reply[model.ConnectionState]
}

// CredentialLookup returns the Basic Auth credential for a server, if any.
type CredentialLookup func(server string) (model.Credential, bool)

// Listener owns the connection for a single (server, topic) subscription.
type Listener struct {
	server string
	topic  string
	since  uint64

	client  httpclient.Client
	creds   CredentialLookup
	retry   *retry.Policy
	logger  *slog.Logger
	outbox  chan model.ListenerEvent
	mailbox chan any
	state   model.ConnectionState
}

// New builds a Listener for (server, topic), starting its backfill cursor
// at since (0 to fetch the server's whole retained history on first
// connect).
func New(server, topic string, since uint64, client httpclient.Client, creds CredentialLookup, logger *slog.Logger) *Listener {
	return &Listener{
		server:  server,
		topic:   topic,
		since:   since,
		client:  client,
		creds:   creds,
		retry:   retry.New(),
		logger:  logger,
		outbox:  make(chan model.ListenerEvent, outboxSize),
		mailbox: make(chan any, 8),
		state:   model.Uninitialized0,
	}
}

// Outbox is the channel the owning Subscription actor drains for messages
// and state-change events.
func (l *Listener) Outbox() <-chan model.ListenerEvent {
	return l.outbox
}

// SetBackoff overrides the listener's retry bounds ahead of Run; a zero
// value leaves the corresponding bound at retry.New's default. This backs
// the daemon config file's optional per-deployment backoff override.
func (l *Listener) SetBackoff(min, max time.Duration, multiplier int64) {
	if min > 0 {
		l.retry.Min = min
	}
	if max > 0 {
		l.retry.Max = max
	}
	if multiplier > 0 {
		l.retry.Multiplier = multiplier
	}
}

// Restart forces an immediate reconnect, bypassing any pending backoff.
func (l *Listener) Restart(ctx context.Context) error {
	return actor.Send[any](ctx, l.mailbox, restartCmd{})
}

// Shutdown stops the Listener and waits for its goroutine to exit.
func (l *Listener) Shutdown(ctx context.Context) error {
	reply := actor.NewReply[struct{}]()
	_, err := actor.Call[any](ctx, l.mailbox, shutdownCmd{reply: reply}, reply)
	return err
}

// GetState returns the Listener's current connection state.
func (l *Listener) GetState(ctx context.Context) (model.ConnectionState, error) {
	reply := actor.NewReply[model.ConnectionState]()
	return actor.Call[any](ctx, l.mailbox, getStateCmd{reply: reply}, reply)
}

// Run is the supervisor loop: connect, stream, reconnect on failure under
// backoff, all while servicing mailbox commands. Mailbox commands are
// serviced during the backoff wait too, so Shutdown/Restart take effect
// immediately instead of waiting out a pending reconnect delay. It
// returns once Shutdown is called or ctx is cancelled.
func (l *Listener) Run(ctx context.Context) {
	var wait <-chan time.Time
	// idle is true once a clean EOF has ended the stream: that is treated
	// as terminal, so the supervisor stops attempting reconnects on its
	// own and waits for an explicit Restart command.
	idle := false

	for {
		connCtx, cancelConn := context.WithCancel(ctx)
		connErr := make(chan error, 1)
		connectedAt := time.Now()
		connecting := wait == nil && !idle

		if connecting {
			go func() {
				connErr <- l.connectAndStream(connCtx)
			}()
		} else {
			cancelConn() // no connection attempt this iteration; nothing to cancel
		}

	inner:
		for {
			select {
			case err := <-connErr:
				if !connecting {
					continue // stale signal from a cancelled, already-finished attempt
				}
				cancelConn()
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, errCleanEOF) {
					idle = true
					l.logger.Info("listener stream closed cleanly, idling until restart", "server", l.server, "topic", l.topic)
					break inner
				}
				if retry.ShouldReset(time.Since(connectedAt)) {
					l.retry.Reset()
				}
				wait = l.enterReconnecting(ctx, err)
				break inner

			case <-wait:
				wait = nil
				break inner

			case cmd := <-l.mailbox:
				switch c := cmd.(type) {
				case restartCmd:
					cancelConn()
					if connecting {
						<-connErr
					}
					l.retry.Reset()
					// An explicit restart skips the backoff wait but still
					// walks the observable Reconnecting -> Connected
					// sequence, so observers can tell a refresh happened.
					l.setState(ctx, model.ConnectionState{Kind: model.Reconnecting})
					wait = nil
					idle = false
					break inner
				case shutdownCmd:
					cancelConn()
					if connecting {
						<-connErr
					}
					c.reply.Send(struct{}{})
					return
				case getStateCmd:
					c.reply.Send(l.state)
				}

			case <-ctx.Done():
				cancelConn()
				if connecting {
					<-connErr
				}
				return
			}
		}
	}
}

// enterReconnecting computes the next jittered backoff delay, publishes a
// single Reconnecting state event carrying the retry count, delay, and
// triggering error, and returns a channel that fires once the delay
// elapses. Callers must have already applied any uptime-based retry reset
// before calling this, since NextDelay advances the attempt index.
func (l *Listener) enterReconnecting(ctx context.Context, err error) <-chan time.Time {
	msg := ""
	if err != nil {
		msg = err.Error()
		l.logger.Warn("listener disconnected", "server", l.server, "topic", l.topic, "error", err)
	}
	delay := l.retry.NextDelay()
	l.setState(ctx, model.ConnectionState{
		Kind:       model.Reconnecting,
		RetryCount: l.retry.Attempt(),
		Delay:      int64(delay),
		LastError:  msg,
	})
	return time.After(delay)
}

// setState updates the observable connection state and publishes it to the
// outbox. The publish is backpressure-propagating, same as message
// delivery; ctx lets a concurrent Restart/Shutdown still cut it short.
func (l *Listener) setState(ctx context.Context, s model.ConnectionState) {
	l.state = s
	select {
	case l.outbox <- model.NewStateEvent(s):
	case <-ctx.Done():
	}
}

func (l *Listener) streamURL() string {
	base := strings.TrimSuffix(l.server, "/")
	return fmt.Sprintf("%s/%s/json?since=%s", base, l.topic, strconv.FormatUint(l.since, 10))
}

func (l *Listener) connectAndStream(ctx context.Context) error {
	builder := l.client.Get(l.streamURL()).
		Header("Content-Type", "application/x-ndjson").
		Header("Accept", "application/x-ndjson")
	if cred, ok := l.creds(l.server); ok {
		builder = builder.BasicAuth(cred.Username, cred.Password)
	}
	req, err := builder.Build(ctx)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := l.client.Execute(ctx, req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ntfyerr.ErrNonSuccessStatus{StatusCode: resp.StatusCode}
	}

	l.setState(ctx, model.ConnectionState{Kind: model.Connected})
	l.logger.Info("listener connected", "server", l.server, "topic", l.topic)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.recvAndForward(ctx, scanner.Bytes()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read: %w", err)
	}
	return errCleanEOF
}

// errCleanEOF is a sentinel for "the server closed the stream without a
// transport error." This is terminal rather than triggering an automatic
// reconnect: the supervisor goes idle and waits for an explicit Restart.
var errCleanEOF = errors.New("stream closed by server")

// recvAndForward parses one NDJSON line. It always attempts the tolerant
// MinMessage parse first so `since` advances even if the full Message
// shape is unrecognized (a future server field this daemon doesn't know
// about yet), then attempts the full parse for events worth forwarding.
// Either parse failing is a protocol violation: it aborts the inner loop
// so the supervisor reconnects under backoff.
func (l *Listener) recvAndForward(ctx context.Context, line []byte) error {
	if len(line) == 0 {
		return nil
	}

	var min model.MinMessage
	if err := json.Unmarshal(line, &min); err != nil {
		return &ntfyerr.ErrInvalidMinMessage{Raw: string(line), Cause: err}
	}
	if min.Time > l.since {
		l.since = min.Time
	}

	var evt model.ServerEvent
	if err := json.Unmarshal(line, &evt); err != nil {
		return &ntfyerr.ErrInvalidMessage{Raw: string(line), Cause: err}
	}
	if evt.Event != string(model.EventMessage) {
		return nil
	}

	// A slow owner stalls this send, which stalls the scan loop, which
	// stops draining the HTTP body, so the server sees TCP backpressure.
	// ctx is the per-connection context, so an explicit Restart/Shutdown
	// still unblocks it.
	select {
	case l.outbox <- model.NewMessageEvent(evt.Message):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
