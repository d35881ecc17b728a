package subscription

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ntfy-daemon/ntfyd/internal/httpclient"
	"github.com/ntfy-daemon/ntfyd/internal/listener"
	"github.com/ntfy-daemon/ntfyd/internal/model"
	"github.com/ntfy-daemon/ntfyd/internal/notify"
	"github.com/ntfy-daemon/ntfyd/internal/repo"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePublisher struct {
	published []model.Message
}

func (f *fakePublisher) Publish(ctx context.Context, server, topic string, msg model.Message) error {
	f.published = append(f.published, msg)
	return nil
}

func newTestSubscriptionWithBody(t *testing.T, body string) (*Subscription, *listener.Listener, *repo.Repo, *notify.NullSink) {
	t.Helper()

	db, err := repo.Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("repo.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	r := repo.New(db)

	sub := model.Subscription{Server: "https://ntfy.sh", Topic: "alerts", DisplayName: "alerts"}
	if err := r.InsertSubscription(sub); err != nil {
		t.Fatalf("InsertSubscription: %v", err)
	}

	client := httpclient.NewNullableClient(nil)
	client.QueueResponse("https://ntfy.sh/alerts/json?since=0", 200, body)
	lst := listener.New(sub.Server, sub.Topic, 0, client, func(string) (model.Credential, bool) { return model.Credential{}, false }, testLogger())

	sink := notify.NewNullSink(nil)
	sink.Tracker().Enable()

	s := New(sub, lst, r, sink, &fakePublisher{}, testLogger())
	return s, lst, r, sink
}

func newTestSubscription(t *testing.T) (*Subscription, *listener.Listener, *repo.Repo, *notify.NullSink) {
	return newTestSubscriptionWithBody(t, "")
}

func TestSubscription_PersistsAndNotifiesOnMessage(t *testing.T) {
	line := `{"id":"m1","topic":"alerts","time":1,"event":"message","title":"Disk full","tags":["warning"]}` + "\n"
	s, lst, r, sink := newTestSubscriptionWithBody(t, line)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go lst.Run(ctx)
	go s.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		msgs, err := r.ListMessages("https://ntfy.sh", "alerts", 0)
		if err != nil {
			t.Fatalf("ListMessages: %v", err)
		}
		if len(msgs) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	msgs, err := r.ListMessages("https://ntfy.sh", "alerts", 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("ListMessages = %+v", msgs)
	}

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(sink.Tracker().Items()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	items := sink.Tracker().Items()
	if len(items) != 1 || items[0].Title != "⚠️ Disk full" {
		t.Fatalf("sink items = %+v", items)
	}
}

func TestSubscription_UpdateInfo(t *testing.T) {
	s, lst, _, _ := newTestSubscription(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go lst.Run(ctx)
	go s.Run(ctx)

	newName := "Alerts (renamed)"
	muted := true
	callCtx, cancelCall := context.WithTimeout(context.Background(), time.Second)
	defer cancelCall()
	if err := s.UpdateInfo(callCtx, UpdateInfoRequest{DisplayName: &newName, Muted: &muted}); err != nil {
		t.Fatalf("UpdateInfo: %v", err)
	}

	got, err := s.GetModel(callCtx)
	if err != nil {
		t.Fatalf("GetModel: %v", err)
	}
	if got.DisplayName != newName || !got.Muted {
		t.Fatalf("GetModel = %+v", got)
	}
}

func TestSubscription_AttachReceivesFanOut(t *testing.T) {
	s, lst, _, _ := newTestSubscription(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go lst.Run(ctx)
	go s.Run(ctx)

	callCtx, cancelCall := context.WithTimeout(context.Background(), time.Second)
	defer cancelCall()
	replay, id, ch, err := s.Attach(callCtx)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer s.Detach(context.Background(), id)
	if len(replay) != 1 || replay[0].Kind != model.ListenerEventStateChanged {
		t.Fatalf("replay = %+v, want only the trailing state event for a fresh subscription", replay)
	}

	// The listener's first connection will emit a Connected state event,
	// which should fan out to this observer.
	select {
	case evt := <-ch:
		if evt.Kind != model.ListenerEventStateChanged {
			t.Fatalf("evt = %+v, want a state-changed event", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fanned-out event")
	}
}

func TestSubscription_AttachReplaysHistory(t *testing.T) {
	s, lst, r, _ := newTestSubscription(t)

	if err := r.InsertMessage("https://ntfy.sh", "alerts", model.Message{ID: "m1", Topic: "alerts", Time: 1}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	if err := r.InsertMessage("https://ntfy.sh", "alerts", model.Message{ID: "m2", Topic: "alerts", Time: 2}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go lst.Run(ctx)
	go s.Run(ctx)

	callCtx, cancelCall := context.WithTimeout(context.Background(), time.Second)
	defer cancelCall()
	replay, id, _, err := s.Attach(callCtx)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer s.Detach(context.Background(), id)

	if len(replay) != 3 || replay[0].Msg.ID != "m1" || replay[1].Msg.ID != "m2" {
		t.Fatalf("replay = %+v, want m1 then m2 then a state-changed event", replay)
	}
	if replay[2].Kind != model.ListenerEventStateChanged {
		t.Fatalf("replay[2] = %+v, want a state-changed event", replay[2])
	}
}

func TestSubscription_MutedSuppressesNotificationNotStorage(t *testing.T) {
	line := `{"id":"m1","topic":"alerts","time":1,"event":"message","message":"quiet"}` + "\n"

	db, err := repo.Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("repo.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	r := repo.New(db)

	sub := model.Subscription{Server: "https://ntfy.sh", Topic: "alerts", DisplayName: "alerts", Muted: true}
	if err := r.InsertSubscription(sub); err != nil {
		t.Fatalf("InsertSubscription: %v", err)
	}

	client := httpclient.NewNullableClient(nil)
	client.QueueResponse("https://ntfy.sh/alerts/json?since=0", 200, line)
	lst := listener.New(sub.Server, sub.Topic, 0, client, func(string) (model.Credential, bool) { return model.Credential{}, false }, testLogger())

	sink := notify.NewNullSink(nil)
	sink.Tracker().Enable()

	s := New(sub, lst, r, sink, &fakePublisher{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go lst.Run(ctx)
	go s.Run(ctx)

	callCtx, cancelCall := context.WithTimeout(context.Background(), time.Second)
	defer cancelCall()
	replay, id, ch, err := s.Attach(callCtx)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer s.Detach(context.Background(), id)
	_ = replay

	// A Connected state-change event may also fan out on ch depending on
	// timing; only the Message event's presence matters here.
	var sawMessage bool
	for !sawMessage {
		select {
		case evt := <-ch:
			if evt.Kind == model.ListenerEventMessage {
				if evt.Msg.ID != "m1" {
					t.Fatalf("fanned-out message = %+v, want m1", evt.Msg)
				}
				sawMessage = true
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fanned-out message event")
		}
	}

	msgs, err := r.ListMessages("https://ntfy.sh", "alerts", 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("ListMessages = %+v, want one stored message", msgs)
	}

	time.Sleep(20 * time.Millisecond)
	if items := sink.Tracker().Items(); len(items) != 0 {
		t.Fatalf("sink items = %+v, want none while muted", items)
	}
}

func TestSubscription_DedupAcrossReconnect(t *testing.T) {
	line := `{"id":"A","time":10,"event":"message","topic":"alerts","message":"hi"}` + "\n"

	db, err := repo.Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("repo.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	r := repo.New(db)

	sub := model.Subscription{Server: "https://ntfy.sh", Topic: "alerts", DisplayName: "alerts"}
	if err := r.InsertSubscription(sub); err != nil {
		t.Fatalf("InsertSubscription: %v", err)
	}

	client := httpclient.NewNullableClient(nil)
	client.QueueResponse("https://ntfy.sh/alerts/json?since=0", 200, line)
	client.QueueResponse("https://ntfy.sh/alerts/json?since=10", 200, line)
	lst := listener.New(sub.Server, sub.Topic, 0, client, func(string) (model.Credential, bool) { return model.Credential{}, false }, testLogger())

	sink := notify.NewNullSink(nil)
	sink.Tracker().Enable()
	s := New(sub, lst, r, sink, &fakePublisher{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go lst.Run(ctx)
	go s.Run(ctx)

	callCtx, cancelCall := context.WithTimeout(context.Background(), time.Second)
	defer cancelCall()
	_, id, ch, err := s.Attach(callCtx)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer s.Detach(context.Background(), id)

	// First connection streams the line then hits a clean EOF, which is
	// terminal (the supervisor idles rather than auto-reconnecting), so an
	// explicit Restart is needed to force the second (since=10) connection
	// that re-serves the same message.
	var messageEvents int
	sawFirstMessage := make(chan struct{})
	go func() {
		for evt := range ch {
			if evt.Kind == model.ListenerEventMessage {
				messageEvents++
				if messageEvents == 1 {
					close(sawFirstMessage)
				}
			}
		}
	}()

	select {
	case <-sawFirstMessage:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the first message event")
	}

	restartCtx, cancelRestart := context.WithTimeout(context.Background(), time.Second)
	defer cancelRestart()
	if err := s.Restart(restartCtx); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if messageEvents != 1 {
		t.Fatalf("fanned-out message events = %d, want exactly 1 (dedup across reconnect)", messageEvents)
	}

	msgs, err := r.ListMessages("https://ntfy.sh", "alerts", 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("ListMessages = %+v, want exactly one stored row", msgs)
	}
}

func TestSubscription_ClearNotifications(t *testing.T) {
	s, lst, r, _ := newTestSubscription(t)

	if err := r.InsertMessage("https://ntfy.sh", "alerts", model.Message{ID: "m1", Topic: "alerts", Time: 1}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go lst.Run(ctx)
	go s.Run(ctx)

	callCtx, cancelCall := context.WithTimeout(context.Background(), time.Second)
	defer cancelCall()
	if err := s.ClearNotifications(callCtx); err != nil {
		t.Fatalf("ClearNotifications: %v", err)
	}

	msgs, err := r.ListMessages("https://ntfy.sh", "alerts", 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages survived ClearNotifications: %+v", msgs)
	}
}
