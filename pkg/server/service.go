package server

import (
	"context"
	"log/slog"

	"github.com/NicolasHaas/officehours/pkg/datastore"
	"github.com/NicolasHaas/officehours/pkg/errorz"
	"github.com/NicolasHaas/officehours/pkg/model"
	"github.com/NicolasHaas/officehours/pkg/protocol"
	"github.com/NicolasHaas/officehours/pkg/rbac"
)

// QueueService performs authorized queue operations. Every mutation runs
// under the affected queue's channel lock and publishes its event before
// the lock is released.
type QueueService struct {
	store    datastore.DataStore
	gate     *rbac.Gate
	channels *ChannelManager
	metrics  *Metrics
}

// NewQueueService wires a service over the given collaborators.
func NewQueueService(st datastore.DataStore, gate *rbac.Gate, channels *ChannelManager, metrics *Metrics) *QueueService {
	return &QueueService{store: st, gate: gate, channels: channels, metrics: metrics}
}

// CourseView is a course with its queues in creation order.
type CourseView struct {
	Course *model.Course `json:"course"`
	Queues []model.Queue `json:"queues"`
	// IsStaff tells the caller whether staff controls apply to them.
	IsStaff bool `json:"is_staff"`
}

// Course returns a course page for user.
func (s *QueueService) Course(ctx context.Context, user model.User, rawCourseID string) (*CourseView, error) {
	grant, err := s.gate.Authorize(ctx, user, rbac.ActionViewCourse, rbac.CourseRef(rawCourseID))
	if err != nil {
		return nil, err
	}
	course, err := s.store.GetCourse(ctx, grant.ResourceID)
	if err != nil {
		return nil, err
	}
	queues, err := s.store.ListQueuesForCourse(ctx, course.ID)
	if err != nil {
		return nil, err
	}
	return &CourseView{
		Course:  course,
		Queues:  queues,
		IsStaff: user.IsAdmin || user.IsStaffFor(course.ID),
	}, nil
}

// Queue returns a queue snapshot stamped with the channel's sequence so a
// client can reconcile it with live events.
func (s *QueueService) Queue(ctx context.Context, user model.User, rawQueueID string) (protocol.Event, error) {
	grant, err := s.gate.Authorize(ctx, user, rbac.ActionViewQueue, rbac.QueueRef(rawQueueID))
	if err != nil {
		return protocol.Event{}, err
	}
	return s.channels.Snapshot(ctx, grant.ResourceID)
}

// CreateQueue adds a queue to a course.
func (s *QueueService) CreateQueue(ctx context.Context, user model.User, rawCourseID string, in model.NewQueue) (*model.Queue, error) {
	grant, err := s.gate.Authorize(ctx, user, rbac.ActionManageQueue, rbac.CourseRef(rawCourseID))
	if err != nil {
		return nil, err
	}
	queue, err := s.store.CreateQueue(ctx, grant.ResourceID, in)
	if err != nil {
		return nil, err
	}
	s.metrics.QueuesCreated.Add(1)
	slog.Info("queue created", "course", grant.ResourceID, "queue", queue.ID, "by", user.ID)
	return queue, nil
}

// DeleteQueue removes a queue and tells its subscribers with QUEUE_DELETED.
func (s *QueueService) DeleteQueue(ctx context.Context, user model.User, rawCourseID, rawQueueID string) error {
	grant, err := s.gate.Authorize(ctx, user, rbac.ActionManageQueue, rbac.CourseRef(rawCourseID))
	if err != nil {
		return err
	}
	queueID, err := model.ParseID("queue", rawQueueID)
	if err != nil {
		return err
	}

	err = s.channels.Mutate(ctx, queueID, func(ctx context.Context) ([]protocol.Event, error) {
		queue, err := s.store.GetQueue(ctx, queueID)
		if err != nil {
			return nil, err
		}
		if queue.CourseID != grant.ResourceID {
			return nil, errorz.NotFound("queue %d not found in course %d", queueID, grant.ResourceID)
		}
		if err := s.store.DeleteQueue(ctx, queueID); err != nil {
			return nil, err
		}
		return []protocol.Event{protocol.QueueDeleted(queueID)}, nil
	})
	if err != nil {
		return err
	}
	s.metrics.QueuesDeleted.Add(1)
	slog.Info("queue deleted", "course", grant.ResourceID, "queue", queueID, "by", user.ID)
	return nil
}

// CreateQuestion appends a question to a queue and publishes
// QUESTION_CREATED.
func (s *QueueService) CreateQuestion(ctx context.Context, user model.User, rawQueueID string, in model.NewQuestion) (*model.Question, error) {
	grant, err := s.gate.Authorize(ctx, user, rbac.ActionCreateQuestion, rbac.QueueRef(rawQueueID))
	if err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	in.AuthorID = user.ID

	var created *model.Question
	err = s.channels.Mutate(ctx, grant.ResourceID, func(ctx context.Context) ([]protocol.Event, error) {
		q, err := s.store.CreateQuestion(ctx, grant.ResourceID, in)
		if err != nil {
			return nil, err
		}
		created = q
		return []protocol.Event{protocol.QuestionCreated(*q)}, nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.QuestionsCreated.Add(1)
	return created, nil
}

// DeleteQuestion removes a question and publishes QUESTION_DELETED. Only
// that one event is published; the rest of the queue is not re-sent.
func (s *QueueService) DeleteQuestion(ctx context.Context, user model.User, rawQueueID, rawQuestionID string) error {
	grant, err := s.gate.Authorize(ctx, user, rbac.ActionDeleteQuestion, rbac.QueueRef(rawQueueID))
	if err != nil {
		return err
	}
	questionID, err := model.ParseID("question", rawQuestionID)
	if err != nil {
		return err
	}

	err = s.channels.Mutate(ctx, grant.ResourceID, func(ctx context.Context) ([]protocol.Event, error) {
		q, err := s.store.GetQuestion(ctx, questionID)
		if err != nil {
			return nil, err
		}
		if q.QueueID != grant.ResourceID {
			return nil, errorz.NotFound("question %d not found in queue %d", questionID, grant.ResourceID)
		}
		if err := s.store.DeleteQuestion(ctx, questionID); err != nil {
			return nil, err
		}
		return []protocol.Event{protocol.QuestionDeleted(grant.ResourceID, questionID)}, nil
	})
	if err != nil {
		return err
	}
	s.metrics.QuestionsDeleted.Add(1)
	return nil
}

// UpdateQuestions applies a batch of status changes and publishes one
// QUESTIONS_UPDATED carrying every changed question.
func (s *QueueService) UpdateQuestions(ctx context.Context, user model.User, rawQueueID string, changes []model.StatusChange) ([]model.Question, error) {
	grant, err := s.gate.Authorize(ctx, user, rbac.ActionUpdateQuestions, rbac.QueueRef(rawQueueID))
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return nil, errorz.InvalidRequest("no status changes given")
	}

	var updated []model.Question
	err = s.channels.Mutate(ctx, grant.ResourceID, func(ctx context.Context) ([]protocol.Event, error) {
		qs, err := s.store.UpdateQuestionStatuses(ctx, grant.ResourceID, changes)
		if err != nil {
			return nil, err
		}
		updated = qs
		return []protocol.Event{protocol.QuestionsUpdated(grant.ResourceID, qs)}, nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.QuestionsUpdated.Add(int64(len(updated)))
	return updated, nil
}
