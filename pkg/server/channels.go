package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/NicolasHaas/officehours/pkg/errorz"
	"github.com/NicolasHaas/officehours/pkg/model"
	"github.com/NicolasHaas/officehours/pkg/protocol"
	"github.com/NicolasHaas/officehours/pkg/rbac"
)

// SnapshotSource is the store surface the channel manager reads snapshots
// from.
type SnapshotSource interface {
	GetQueue(ctx context.Context, id int64) (*model.Queue, error)
	ListQuestionsForQueue(ctx context.Context, queueID int64) ([]model.Question, error)
}

// queueChannel is the subscriber set and event sequence of one queue.
// Its mutex serializes joins, mutations and publishes for that queue, so
// every subscriber observes events in the order the store applied them.
type queueChannel struct {
	mu          sync.Mutex
	queueID     int64
	seq         uint64
	subscribers map[string]*Session
	closed      bool
}

// ChannelManager maps queue ids to their channels.
//
// Lock order is channel, then session, then manager map. A session never
// calls back into a channel while holding its own lock.
type ChannelManager struct {
	mu       sync.RWMutex
	channels map[int64]*queueChannel

	epoch   string
	store   SnapshotSource
	gate    *rbac.Gate
	metrics *Metrics
}

// NewChannelManager creates a channel manager with a fresh epoch.
func NewChannelManager(store SnapshotSource, gate *rbac.Gate, metrics *Metrics) *ChannelManager {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &ChannelManager{
		channels: make(map[int64]*queueChannel),
		epoch:    uuid.NewString(),
		store:    store,
		gate:     gate,
		metrics:  metrics,
	}
}

// Epoch identifies this process's sequence space.
func (cm *ChannelManager) Epoch() string { return cm.epoch }

func (cm *ChannelManager) lookup(queueID int64) (*queueChannel, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	ch, ok := cm.channels[queueID]
	return ch, ok
}

// channel returns the channel for queueID. A new channel is only created
// once the store confirms the queue exists.
func (cm *ChannelManager) channel(ctx context.Context, queueID int64) (*queueChannel, error) {
	if ch, ok := cm.lookup(queueID); ok {
		return ch, nil
	}
	if _, err := cm.store.GetQueue(ctx, queueID); err != nil {
		return nil, err
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()
	if ch, ok := cm.channels[queueID]; ok {
		return ch, nil
	}
	ch := &queueChannel{queueID: queueID, subscribers: make(map[string]*Session)}
	cm.channels[queueID] = ch
	return ch, nil
}

// Join authorizes sess to subscribe to the queue named by rawQueueID,
// registers it, and queues a QUEUE_SNAPSHOT as the first event the session
// sees for that queue. Events published after the snapshot follow it.
func (cm *ChannelManager) Join(ctx context.Context, sess *Session, rawQueueID string) (int64, error) {
	if sess.State() != StateAuthenticated {
		return 0, errorz.Forbidden("session is not authenticated")
	}
	grant, err := cm.gate.Authorize(ctx, sess.User(), rbac.ActionSubscribeQueue, rbac.QueueRef(rawQueueID))
	if err != nil {
		return 0, err
	}
	queueID := grant.ResourceID

	ch, err := cm.channel(ctx, queueID)
	if err != nil {
		return 0, err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return 0, errorz.NotFound("queue %d not found", queueID)
	}

	snap, err := cm.snapshotLocked(ctx, ch)
	if err != nil {
		return 0, err
	}
	if err := sess.addSubscription(queueID); err != nil {
		return 0, err
	}
	ch.subscribers[sess.ID()] = sess
	sess.replaceWithSnapshot(snap)
	cm.metrics.Joins.Add(1)
	return queueID, nil
}

// Leave unsubscribes sess from a queue. Leaving a queue the session is not
// subscribed to is a no-op.
func (cm *ChannelManager) Leave(sess *Session, rawQueueID string) (int64, error) {
	queueID, err := model.ParseID("queue", rawQueueID)
	if err != nil {
		return 0, err
	}
	ch, ok := cm.lookup(queueID)
	if !ok {
		sess.removeSubscription(queueID)
		return queueID, nil
	}

	ch.mu.Lock()
	delete(ch.subscribers, sess.ID())
	ch.mu.Unlock()
	sess.removeSubscription(queueID)
	return queueID, nil
}

// OnDisconnect removes sess from every channel it joined.
func (cm *ChannelManager) OnDisconnect(sess *Session) {
	for _, queueID := range sess.close() {
		ch, ok := cm.lookup(queueID)
		if !ok {
			continue
		}
		ch.mu.Lock()
		delete(ch.subscribers, sess.ID())
		ch.mu.Unlock()
	}
}

// Mutate runs fn under the queue's channel lock and publishes the events
// it returns. Store order and event order therefore agree for the queue.
// Nothing is published when fn fails.
func (cm *ChannelManager) Mutate(ctx context.Context, queueID int64, fn func(ctx context.Context) ([]protocol.Event, error)) error {
	ch, err := cm.channel(ctx, queueID)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return errorz.NotFound("queue %d not found", queueID)
	}

	events, err := fn(ctx)
	if err != nil {
		return err
	}
	for _, ev := range events {
		cm.publishLocked(ch, ev)
	}
	return nil
}

// Publish stamps ev with the queue's next sequence number and delivers it
// to every current subscriber without blocking. A queue nobody has joined
// has no channel, and the next snapshot already reflects ev.
func (cm *ChannelManager) Publish(ev protocol.Event) {
	ch, ok := cm.lookup(ev.QueueID)
	if !ok {
		return
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	cm.publishLocked(ch, ev)
}

func (cm *ChannelManager) publishLocked(ch *queueChannel, ev protocol.Event) {
	if err := ev.Validate(); err != nil {
		slog.Error("refusing to publish invalid event", "queue", ch.queueID, "type", ev.Type, "err", err)
		return
	}
	if !ev.Sequenced() {
		slog.Error("refusing to publish a snapshot", "queue", ch.queueID)
		return
	}
	ch.seq++
	ev.Seq = ch.seq
	ev.Epoch = cm.epoch
	for _, sess := range ch.subscribers {
		if sess.enqueueEvent(ev) {
			cm.metrics.EventsDelivered.Add(1)
		}
	}
	cm.metrics.EventsPublished.Add(1)

	if ev.Type == protocol.EventQueueDeleted {
		ch.closed = true
		for _, sess := range ch.subscribers {
			sess.forgetSubscription(ch.queueID)
		}
		clear(ch.subscribers)
		cm.mu.Lock()
		if cm.channels[ch.queueID] == ch {
			delete(cm.channels, ch.queueID)
		}
		cm.mu.Unlock()
	}
}

// Snapshot reads a queue's current state stamped with the sequence number
// of the last event it reflects.
func (cm *ChannelManager) Snapshot(ctx context.Context, queueID int64) (protocol.Event, error) {
	ch, err := cm.channel(ctx, queueID)
	if err != nil {
		return protocol.Event{}, err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return cm.snapshotLocked(ctx, ch)
}

func (cm *ChannelManager) snapshotLocked(ctx context.Context, ch *queueChannel) (protocol.Event, error) {
	queue, err := cm.store.GetQueue(ctx, ch.queueID)
	if err != nil {
		return protocol.Event{}, err
	}
	questions, err := cm.store.ListQuestionsForQueue(ctx, ch.queueID)
	if err != nil {
		return protocol.Event{}, err
	}
	ev := protocol.Snapshot(queue, questions)
	ev.Seq = ch.seq
	ev.Epoch = cm.epoch
	return ev, nil
}

// resync replaces a session's pending events for queueID with a fresh
// snapshot after its outbox overflowed. If the snapshot cannot be read the
// session is unsubscribed and told to rejoin.
func (cm *ChannelManager) resync(sess *Session, queueID int64) {
	ch, ok := cm.lookup(queueID)
	if !ok {
		return
	}

	ch.mu.Lock()
	if _, subscribed := ch.subscribers[sess.ID()]; !subscribed {
		ch.mu.Unlock()
		return
	}
	snap, err := cm.snapshotLocked(context.Background(), ch)
	if err == nil {
		sess.replaceWithSnapshot(snap)
		ch.mu.Unlock()
		cm.metrics.Resyncs.Add(1)
		return
	}
	delete(ch.subscribers, sess.ID())
	ch.mu.Unlock()

	slog.Warn("resync failed, dropping subscription", "session", sess.ID(), "queue", queueID, "err", err)
	sess.removeSubscription(queueID)
	sendSubscriptionLost(sess, queueID, err)
}

// SubscriberCount returns the number of sessions subscribed to queueID.
func (cm *ChannelManager) SubscriberCount(queueID int64) int {
	ch, ok := cm.lookup(queueID)
	if !ok {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.subscribers)
}

// Seq returns the last sequence number published on queueID.
func (cm *ChannelManager) Seq(queueID int64) uint64 {
	ch, ok := cm.lookup(queueID)
	if !ok {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.seq
}
