package protocol

import (
	"maps"
	"slices"

	"github.com/NicolasHaas/officehours/pkg/model"
)

const (
	// DefaultMaxTombstones bounds how many deleted ids a projection remembers.
	DefaultMaxTombstones = 1024

	// maxPending bounds events buffered while waiting for a snapshot.
	maxPending = 256
)

// Projection is a client's view of one queue, built only from events.
//
// Reduction rules:
//   - a snapshot replaces the view, unless it is older than what the view
//     already reflects (same epoch, lower seq);
//   - a sequenced event at or below the current seq is a re-delivery and is
//     ignored, so applying any event twice leaves the view unchanged;
//   - created and updated questions merge by id and never overwrite a newer
//     UpdatedAt;
//   - a deleted id leaves a tombstone and is never resurrected by a later
//     created or updated event for that id;
//   - events arriving before the first snapshot, or from an epoch the view
//     has not seen, are buffered and replayed over the next snapshot.
//
// A Projection is not safe for concurrent use.
type Projection struct {
	queueID int64

	epoch  string
	seq    uint64
	synced bool
	gap    bool
	gone   bool

	queue     *model.Queue
	questions map[int64]model.Question

	tombstones    map[int64]struct{}
	tombOrder     []int64
	maxTombstones int

	pending []Event
}

// NewProjection creates an empty view of queueID. maxTombstones <= 0 uses
// DefaultMaxTombstones.
func NewProjection(queueID int64, maxTombstones int) *Projection {
	if maxTombstones <= 0 {
		maxTombstones = DefaultMaxTombstones
	}
	return &Projection{
		queueID:       queueID,
		questions:     make(map[int64]model.Question),
		tombstones:    make(map[int64]struct{}),
		maxTombstones: maxTombstones,
	}
}

// Apply folds ev into the view and reports whether the view changed.
func (p *Projection) Apply(ev Event) bool {
	if ev.QueueID != p.queueID || p.gone {
		return false
	}
	if !ev.Sequenced() {
		return p.applySnapshot(ev)
	}
	if !p.synced || ev.Epoch != p.epoch {
		p.buffer(ev)
		return false
	}
	if ev.Seq <= p.seq {
		return false
	}
	if ev.Seq > p.seq+1 {
		p.gap = true
	}
	p.seq = ev.Seq
	p.reduce(ev)
	return true
}

func (p *Projection) applySnapshot(ev Event) bool {
	if p.synced && ev.Epoch == p.epoch && ev.Seq < p.seq {
		return false
	}
	if ev.Epoch != p.epoch {
		// Ids are only unique within the authority that issued them.
		clear(p.tombstones)
		p.tombOrder = p.tombOrder[:0]
	}

	p.epoch = ev.Epoch
	p.seq = ev.Seq
	p.synced = true
	p.gap = false
	p.queue = ev.Queue.Clone()
	clear(p.questions)
	for _, q := range ev.Questions {
		if _, dead := p.tombstones[q.ID]; dead {
			continue
		}
		p.questions[q.ID] = q
	}

	pending := p.pending
	p.pending = nil
	for _, buffered := range pending {
		if buffered.Epoch == p.epoch && buffered.Seq > p.seq {
			p.Apply(buffered)
		}
	}
	return true
}

func (p *Projection) buffer(ev Event) {
	if len(p.pending) == maxPending {
		p.pending = slices.Delete(p.pending, 0, 1)
		p.gap = true
	}
	p.pending = append(p.pending, ev)
	slices.SortStableFunc(p.pending, func(a, b Event) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
}

func (p *Projection) reduce(ev Event) {
	switch ev.Type {
	case EventQuestionCreated:
		if ev.Question != nil {
			p.merge(*ev.Question)
		}
	case EventQuestionsUpdated:
		for _, q := range ev.Questions {
			p.merge(q)
		}
	case EventQuestionDeleted:
		delete(p.questions, ev.QuestionID)
		p.tombstone(ev.QuestionID)
	case EventQueueDeleted:
		p.gone = true
		clear(p.questions)
		p.pending = nil
	}
}

func (p *Projection) merge(q model.Question) {
	if _, dead := p.tombstones[q.ID]; dead {
		return
	}
	if cur, ok := p.questions[q.ID]; ok && cur.UpdatedAt.After(q.UpdatedAt) {
		return
	}
	p.questions[q.ID] = q
}

func (p *Projection) tombstone(id int64) {
	if _, ok := p.tombstones[id]; ok {
		return
	}
	p.tombstones[id] = struct{}{}
	p.tombOrder = append(p.tombOrder, id)
	for len(p.tombOrder) > p.maxTombstones {
		delete(p.tombstones, p.tombOrder[0])
		p.tombOrder = p.tombOrder[1:]
	}
}

// Compact forgets all tombstones. Call it after a fresh snapshot has been
// applied, when no older event for this view can still be in flight.
func (p *Projection) Compact() {
	clear(p.tombstones)
	p.tombOrder = nil
}

// QueueID returns the queue this view tracks.
func (p *Projection) QueueID() int64 { return p.queueID }

// Queue returns the queue metadata from the last snapshot, or nil.
func (p *Projection) Queue() *model.Queue { return p.queue.Clone() }

// Seq returns the sequence number the view reflects.
func (p *Projection) Seq() uint64 { return p.seq }

// Epoch returns the server epoch the view belongs to.
func (p *Projection) Epoch() string { return p.epoch }

// Synced reports whether a snapshot has been applied.
func (p *Projection) Synced() bool { return p.synced }

// Deleted reports whether the queue itself was deleted.
func (p *Projection) Deleted() bool { return p.gone }

// NeedsSnapshot reports whether the view has missed events or is waiting
// on events from an epoch it has no snapshot for.
func (p *Projection) NeedsSnapshot() bool {
	return !p.gone && (!p.synced || p.gap || len(p.pending) > 0)
}

// MarkStale records that the view stopped receiving events. It needs a
// snapshot until one arrives.
func (p *Projection) MarkStale() {
	p.gap = true
}

// Tombstoned reports whether id was deleted and is still remembered.
func (p *Projection) Tombstoned(id int64) bool {
	_, ok := p.tombstones[id]
	return ok
}

// TombstoneCount returns the number of remembered deletions.
func (p *Projection) TombstoneCount() int { return len(p.tombstones) }

// Get returns one visible question.
func (p *Projection) Get(id int64) (model.Question, bool) {
	q, ok := p.questions[id]
	return q, ok
}

// Visible returns the live questions in creation order.
func (p *Projection) Visible() []model.Question {
	ids := slices.Sorted(maps.Keys(p.questions))
	out := make([]model.Question, 0, len(ids))
	for _, id := range ids {
		out = append(out, p.questions[id])
	}
	return out
}
