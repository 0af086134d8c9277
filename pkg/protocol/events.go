package protocol

import (
	"errors"
	"fmt"

	"github.com/NicolasHaas/officehours/pkg/model"
)

// EventType names a queue change.
type EventType string

const (
	EventQueueSnapshot    EventType = "QUEUE_SNAPSHOT"
	EventQuestionCreated  EventType = "QUESTION_CREATED"
	EventQuestionDeleted  EventType = "QUESTION_DELETED"
	EventQuestionsUpdated EventType = "QUESTIONS_UPDATED"
	EventQueueDeleted     EventType = "QUEUE_DELETED"
)

// Event is one queue change as delivered to subscribers.
//
// Seq increases by one for every event published on a queue and is scoped
// to Epoch, which changes whenever the server restarts. A snapshot carries
// the Seq of the last event it already reflects.
type Event struct {
	Type       EventType        `json:"type"`
	QueueID    int64            `json:"queue_id"`
	Seq        uint64           `json:"seq"`
	Epoch      string           `json:"epoch"`
	Queue      *model.Queue     `json:"queue,omitempty"`
	Questions  []model.Question `json:"questions,omitempty"`
	Question   *model.Question  `json:"question,omitempty"`
	QuestionID int64            `json:"question_id,omitempty"`
}

// Snapshot builds a QUEUE_SNAPSHOT event.
func Snapshot(queue *model.Queue, questions []model.Question) Event {
	return Event{
		Type:      EventQueueSnapshot,
		QueueID:   queue.ID,
		Queue:     queue.Clone(),
		Questions: questions,
	}
}

// QuestionCreated builds a QUESTION_CREATED event.
func QuestionCreated(q model.Question) Event {
	return Event{Type: EventQuestionCreated, QueueID: q.QueueID, Question: &q}
}

// QuestionDeleted builds a QUESTION_DELETED event.
func QuestionDeleted(queueID, questionID int64) Event {
	return Event{Type: EventQuestionDeleted, QueueID: queueID, QuestionID: questionID}
}

// QuestionsUpdated builds a QUESTIONS_UPDATED event.
func QuestionsUpdated(queueID int64, questions []model.Question) Event {
	return Event{Type: EventQuestionsUpdated, QueueID: queueID, Questions: questions}
}

// QueueDeleted builds a QUEUE_DELETED event.
func QueueDeleted(queueID int64) Event {
	return Event{Type: EventQueueDeleted, QueueID: queueID}
}

// Validate checks that the payload matches the event type.
func (e Event) Validate() error {
	if e.QueueID <= 0 {
		return errors.New("protocol: event queue id is required")
	}
	switch e.Type {
	case EventQueueSnapshot:
		if e.Queue == nil || e.Queue.ID != e.QueueID {
			return fmt.Errorf("protocol: %s requires the queue", e.Type)
		}
	case EventQuestionCreated:
		if e.Question == nil || e.Question.QueueID != e.QueueID {
			return fmt.Errorf("protocol: %s requires a question of queue %d", e.Type, e.QueueID)
		}
	case EventQuestionDeleted:
		if e.QuestionID <= 0 {
			return fmt.Errorf("protocol: %s requires a question id", e.Type)
		}
	case EventQuestionsUpdated:
		if len(e.Questions) == 0 {
			return fmt.Errorf("protocol: %s requires questions", e.Type)
		}
		for _, q := range e.Questions {
			if q.QueueID != e.QueueID {
				return fmt.Errorf("protocol: %s carries question %d of queue %d", e.Type, q.ID, q.QueueID)
			}
		}
	case EventQueueDeleted:
	default:
		return fmt.Errorf("protocol: unknown event type %q", e.Type)
	}
	return nil
}

// Sequenced reports whether the event advances the queue sequence.
// Snapshots restate state instead of changing it.
func (e Event) Sequenced() bool {
	return e.Type != EventQueueSnapshot
}
