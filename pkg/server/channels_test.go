package server

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/NicolasHaas/officehours/pkg/errorz"
	"github.com/NicolasHaas/officehours/pkg/model"
	"github.com/NicolasHaas/officehours/pkg/protocol"
)

func TestJoinAnonymousReceivesSnapshotThenOnlyItsQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Create queues until the course has a queue 42.
	var target, other *model.Queue
	for {
		q, err := f.st.CreateQueue(ctx, f.course.ID, model.NewQueue{Name: "Queue"})
		if err != nil {
			t.Fatalf("CreateQueue: %v", err)
		}
		if q.ID == 41 {
			other = q
		}
		if q.ID == 42 {
			target = q
			break
		}
	}
	f.ask(t, f.student, target.ID, "before join")

	sess := f.session(t, model.Anonymous)
	queueID, err := f.srv.channels.Join(ctx, sess, "42")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if queueID != 42 {
		t.Fatalf("Join: got queue %d, want 42", queueID)
	}

	f.ask(t, f.student, target.ID, "after join")
	f.ask(t, f.student, other.ID, "elsewhere")
	f.ask(t, f.student, target.ID, "again")

	evs := drainEvents(sess)
	want := []protocol.EventType{
		protocol.EventQueueSnapshot,
		protocol.EventQuestionCreated,
		protocol.EventQuestionCreated,
	}
	if diff := cmp.Diff(want, eventTypes(evs)); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
	for _, ev := range evs {
		if ev.QueueID != 42 {
			t.Fatalf("received event for queue %d", ev.QueueID)
		}
	}
	if got := len(evs[0].Questions); got != 1 {
		t.Fatalf("snapshot questions: got %d, want 1", got)
	}
	if evs[0].Seq != 1 || evs[1].Seq != 2 || evs[2].Seq != 3 {
		t.Fatalf("seqs: got %d %d %d, want 1 2 3", evs[0].Seq, evs[1].Seq, evs[2].Seq)
	}
}

func TestJoinRejectsBadReferences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.session(t, f.student)

	tcases := map[string]struct {
		raw  string
		kind error
	}{
		"non_numeric": {raw: "hello", kind: errorz.ErrInvalidRequest},
		"missing":     {raw: "", kind: errorz.ErrInvalidRequest},
		"negative":    {raw: "-3", kind: errorz.ErrInvalidRequest},
		"absent":      {raw: "69", kind: errorz.ErrNotFound},
	}
	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			if _, err := f.srv.channels.Join(ctx, sess, tc.raw); !errors.Is(err, tc.kind) {
				t.Fatalf("Join(%q): got %v, want %v", tc.raw, err, tc.kind)
			}
		})
	}
	if got := sess.Subscriptions(); len(got) != 0 {
		t.Fatalf("failed joins registered subscriptions %v", got)
	}
	if got := sess.pending(); got != 0 {
		t.Fatalf("failed joins queued %d entries", got)
	}
}

func TestJoinAnonymousForbiddenWhenDisabled(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.AllowAnonymous = false })
	sess := f.session(t, model.Anonymous)

	_, err := f.srv.channels.Join(context.Background(), sess, model.FormatID(f.queue.ID))
	if !errors.Is(err, errorz.ErrForbidden) {
		t.Fatalf("Join: got %v, want Forbidden", err)
	}
	if got := f.srv.channels.SubscriberCount(f.queue.ID); got != 0 {
		t.Fatalf("SubscriberCount: got %d, want 0", got)
	}
}

func TestPublishOrderIsTotalPerQueue(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.OutboxSize = 1024 })
	ctx := context.Background()
	raw := model.FormatID(f.queue.ID)

	subs := make([]*Session, 3)
	for i := range subs {
		subs[i] = f.session(t, f.student)
		if _, err := f.srv.channels.Join(ctx, subs[i], raw); err != nil {
			t.Fatalf("Join: %v", err)
		}
	}

	const writers, perWriter = 4, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := f.srv.service.CreateQuestion(ctx, f.student, raw, model.NewQuestion{Content: "q"})
				if err != nil {
					t.Errorf("CreateQuestion: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	var reference []int64
	for i, sess := range subs {
		evs := drainEvents(sess)
		if len(evs) != writers*perWriter+1 {
			t.Fatalf("subscriber %d: got %d events, want %d", i, len(evs), writers*perWriter+1)
		}
		var ids []int64
		for j, ev := range evs[1:] {
			if ev.Seq != uint64(j+1) {
				t.Fatalf("subscriber %d: event %d has seq %d", i, j, ev.Seq)
			}
			ids = append(ids, ev.Question.ID)
		}
		if reference == nil {
			reference = ids
			continue
		}
		if diff := cmp.Diff(reference, ids); diff != "" {
			t.Fatalf("subscriber %d order differs (-first +this):\n%s", i, diff)
		}
	}
	// Store order and publish order agree: ids were assigned under the same lock.
	for i := 1; i < len(reference); i++ {
		if reference[i] <= reference[i-1] {
			t.Fatalf("event order %v does not follow store order", reference)
		}
	}
}

func TestStaffDeletePublishesOnlyQuestionDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw := model.FormatID(f.queue.ID)

	keep := f.ask(t, f.student, f.queue.ID, "keep me")
	gone := f.ask(t, f.student, f.queue.ID, "delete me")

	sessions := []*Session{f.session(t, f.student), f.session(t, model.Anonymous)}
	projections := make([]*protocol.Projection, len(sessions))
	for i, sess := range sessions {
		if _, err := f.srv.channels.Join(ctx, sess, raw); err != nil {
			t.Fatalf("Join: %v", err)
		}
		projections[i] = protocol.NewProjection(f.queue.ID, 0)
		for _, ev := range drainEvents(sess) {
			projections[i].Apply(ev)
		}
	}

	if err := f.srv.service.DeleteQuestion(ctx, f.staff, raw, model.FormatID(gone.ID)); err != nil {
		t.Fatalf("DeleteQuestion: %v", err)
	}

	for i, sess := range sessions {
		evs := drainEvents(sess)
		if diff := cmp.Diff([]protocol.EventType{protocol.EventQuestionDeleted}, eventTypes(evs)); diff != "" {
			t.Fatalf("subscriber %d events mismatch (-want +got):\n%s", i, diff)
		}
		for _, ev := range evs {
			projections[i].Apply(ev)
		}
		if !projections[i].Tombstoned(gone.ID) {
			t.Fatalf("subscriber %d: question %d not tombstoned", i, gone.ID)
		}
		visible := projections[i].Visible()
		if len(visible) != 1 || visible[0].ID != keep.ID {
			t.Fatalf("subscriber %d: visible %+v, want only %d", i, visible, keep.ID)
		}
	}
}

func TestDeniedOrFailedMutationPublishesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw := model.FormatID(f.queue.ID)
	q := f.ask(t, f.student, f.queue.ID, "question")

	sess := f.session(t, f.student)
	if _, err := f.srv.channels.Join(ctx, sess, raw); err != nil {
		t.Fatalf("Join: %v", err)
	}
	drainEvents(sess)
	seq := f.srv.channels.Seq(f.queue.ID)

	err := f.srv.service.DeleteQuestion(ctx, f.student, raw, model.FormatID(q.ID))
	if !errors.Is(err, errorz.ErrForbidden) {
		t.Fatalf("student DeleteQuestion: got %v, want Forbidden", err)
	}
	if _, err := f.st.GetQuestion(ctx, q.ID); err != nil {
		t.Fatalf("question removed despite denial: %v", err)
	}

	f.st.SetFailure(errors.New("disk full"))
	_, err = f.srv.service.CreateQuestion(ctx, f.student, raw, model.NewQuestion{Content: "lost"})
	if !errors.Is(err, errorz.ErrStore) || !errorz.Retryable(err) {
		t.Fatalf("CreateQuestion during outage: got %v, want retryable Store error", err)
	}
	f.st.SetFailure(nil)

	if evs := drainEvents(sess); len(evs) != 0 {
		t.Fatalf("published %v after failed mutations", eventTypes(evs))
	}
	if got := f.srv.channels.Seq(f.queue.ID); got != seq {
		t.Fatalf("Seq: got %d, want %d", got, seq)
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw := model.FormatID(f.queue.ID)
	sess := f.session(t, f.student)

	if _, err := f.srv.channels.Leave(sess, raw); err != nil {
		t.Fatalf("Leave before join: %v", err)
	}
	if _, err := f.srv.channels.Join(ctx, sess, raw); err != nil {
		t.Fatalf("Join: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := f.srv.channels.Leave(sess, raw); err != nil {
			t.Fatalf("Leave #%d: %v", i+1, err)
		}
	}
	if got := f.srv.channels.SubscriberCount(f.queue.ID); got != 0 {
		t.Fatalf("SubscriberCount: got %d, want 0", got)
	}

	drainEvents(sess)
	f.ask(t, f.student, f.queue.ID, "after leave")
	if evs := drainEvents(sess); len(evs) != 0 {
		t.Fatalf("received %v after leave", eventTypes(evs))
	}

	if _, err := f.srv.channels.Leave(sess, "hello"); !errors.Is(err, errorz.ErrInvalidRequest) {
		t.Fatalf("Leave(hello): got %v, want InvalidRequest", err)
	}
}

func TestDisconnectDuringJoinLeavesNoSubscriber(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw := model.FormatID(f.queue.ID)

	closed := f.session(t, f.student)
	f.srv.channels.OnDisconnect(closed)
	if _, err := f.srv.channels.Join(ctx, closed, raw); err == nil {
		t.Fatal("Join after disconnect: expected error")
	}

	for i := 0; i < 100; i++ {
		sess := f.session(t, f.student)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.srv.channels.Join(ctx, sess, raw)
		}()
		go func() {
			defer wg.Done()
			f.srv.channels.OnDisconnect(sess)
		}()
		wg.Wait()
		// A disconnect is always followed by cleanup; running it again must
		// be safe and must leave nothing behind.
		f.srv.channels.OnDisconnect(sess)
	}
	if got := f.srv.channels.SubscriberCount(f.queue.ID); got != 0 {
		t.Fatalf("SubscriberCount: got %d dangling subscribers", got)
	}
}

func TestPublishSkipsDisconnectedSubscribers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw := model.FormatID(f.queue.ID)

	live := f.session(t, f.student)
	dead := f.session(t, f.student)
	for _, sess := range []*Session{live, dead} {
		if _, err := f.srv.channels.Join(ctx, sess, raw); err != nil {
			t.Fatalf("Join: %v", err)
		}
		drainEvents(sess)
	}
	// Closed without channel cleanup, as when a connection dies mid-publish.
	dead.close()

	f.ask(t, f.student, f.queue.ID, "still delivered")
	if evs := drainEvents(live); len(evs) != 1 {
		t.Fatalf("live subscriber: got %d events, want 1", len(evs))
	}
	if got := dead.pending(); got != 0 {
		t.Fatalf("dead subscriber queued %d entries", got)
	}
}

func TestOutboxOverflowSelfHeals(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.OutboxSize = 2 })
	ctx := context.Background()
	raw := model.FormatID(f.queue.ID)

	sess := f.session(t, f.student)
	if _, err := f.srv.channels.Join(ctx, sess, raw); err != nil {
		t.Fatalf("Join: %v", err)
	}
	for i := 0; i < 5; i++ {
		f.ask(t, f.student, f.queue.ID, "burst")
	}
	if sess.Dropped() == 0 {
		t.Fatal("expected the outbox to overflow")
	}

	sender := newRecordingSender()
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = sess.writeLoop(wctx, sender, f.srv.channels.resync) }()
	frames := sender.wait(t, 1)
	cancel()

	proj := protocol.NewProjection(f.queue.ID, 0)
	for _, frame := range frames {
		var ev protocol.Event
		if err := frame.DecodePayload(&ev); err != nil {
			t.Fatalf("DecodePayload: %v", err)
		}
		proj.Apply(ev)
	}
	if got := len(proj.Visible()); got != 5 {
		t.Fatalf("projection after resync: %d questions, want 5", got)
	}
	if got := proj.Seq(); got != 5 {
		t.Fatalf("projection seq: got %d, want 5", got)
	}
	if got := f.srv.metrics.Resyncs.Load(); got != 1 {
		t.Fatalf("Resyncs: got %d, want 1", got)
	}
}

func TestResyncFailureDropsSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.session(t, f.student)
	if _, err := f.srv.channels.Join(ctx, sess, model.FormatID(f.queue.ID)); err != nil {
		t.Fatalf("Join: %v", err)
	}
	drainEvents(sess)

	f.st.SetFailure(errors.New("connection reset"))
	f.srv.channels.resync(sess, f.queue.ID)
	f.st.SetFailure(nil)

	if sess.Subscribed(f.queue.ID) || f.srv.channels.SubscriberCount(f.queue.ID) != 0 {
		t.Fatal("subscription kept after failed resync")
	}
	entry, ok := sess.next()
	if !ok || entry.frame.Type != protocol.FrameError {
		t.Fatalf("expected an error frame, got %+v", entry)
	}
	var env protocol.ErrorEnvelope
	if err := entry.frame.DecodePayload(&env); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	want := protocol.ErrorBody{
		Code:      "UNAVAILABLE",
		Message:   "storage temporarily unavailable",
		Retryable: true,
		QueueID:   f.queue.ID,
	}
	if diff := cmp.Diff(want, env.Error); diff != "" {
		t.Fatalf("error body mismatch (-want +got):\n%s", diff)
	}
	if entry.frame.RequestID != "" {
		t.Fatalf("request id: got %q, want none", entry.frame.RequestID)
	}
}

func TestAbsentQueueLeavesNoChannel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const absent = 69
	sess := f.session(t, f.admin)

	if _, err := f.srv.channels.Join(ctx, sess, model.FormatID(absent)); !errorz.Is(err, errorz.ErrNotFound) {
		t.Fatalf("Join: got %v, want NotFound", err)
	}
	if _, err := f.srv.channels.Snapshot(ctx, absent); !errorz.Is(err, errorz.ErrNotFound) {
		t.Fatalf("Snapshot: got %v, want NotFound", err)
	}
	called := false
	err := f.srv.channels.Mutate(ctx, absent, func(context.Context) ([]protocol.Event, error) {
		called = true
		return nil, nil
	})
	if !errorz.Is(err, errorz.ErrNotFound) || called {
		t.Fatalf("Mutate: got %v (fn called %v), want NotFound", err, called)
	}
	if err := f.srv.service.DeleteQuestion(ctx, f.admin, model.FormatID(absent), "1"); !errorz.Is(err, errorz.ErrNotFound) {
		t.Fatalf("DeleteQuestion: got %v, want NotFound", err)
	}

	if _, ok := f.srv.channels.lookup(absent); ok {
		t.Fatal("channel created for an absent queue")
	}
}

func TestQueueDeletedEndsSubscriptions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw := model.FormatID(f.queue.ID)
	f.ask(t, f.student, f.queue.ID, "orphan")

	sess := f.session(t, f.student)
	if _, err := f.srv.channels.Join(ctx, sess, raw); err != nil {
		t.Fatalf("Join: %v", err)
	}
	proj := protocol.NewProjection(f.queue.ID, 0)
	for _, ev := range drainEvents(sess) {
		proj.Apply(ev)
	}

	if err := f.srv.service.DeleteQueue(ctx, f.staff, model.FormatID(f.course.ID), raw); err != nil {
		t.Fatalf("DeleteQueue: %v", err)
	}

	evs := drainEvents(sess)
	if diff := cmp.Diff([]protocol.EventType{protocol.EventQueueDeleted}, eventTypes(evs)); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
	proj.Apply(evs[0])
	if !proj.Deleted() {
		t.Fatal("projection not marked deleted")
	}
	if sess.Subscribed(f.queue.ID) {
		t.Fatal("session still subscribed to a deleted queue")
	}
	if _, err := f.srv.channels.Join(ctx, sess, raw); !errors.Is(err, errorz.ErrNotFound) {
		t.Fatalf("Join deleted queue: got %v, want NotFound", err)
	}
	if _, err := f.st.GetQuestion(ctx, 1); !errors.Is(err, errorz.ErrNotFound) {
		t.Fatalf("questions of a deleted queue survive: %v", err)
	}
}
