// Package datastore defines the persistence boundary for courses, queues,
// questions and users, and provides the SQL implementation.
//
// Lookups of a missing row return an errorz NotFound error, never (nil, nil).
// Driver failures are wrapped as errorz Store errors. Each mutation is atomic
// at this boundary; callers do no locking of their own over persisted state.
package datastore

import (
	"context"

	"github.com/NicolasHaas/officehours/pkg/model"
)

// DataStore is the full persistence interface consumed by the server.
// Implementations include the SQL store and the in-memory store used by tests.
type DataStore interface {
	CourseReadProvider
	CourseWriteProvider

	QueueReadProvider
	QueueWriteProvider

	QuestionReadProvider
	QuestionWriteProvider

	UserReadProvider
	UserWriteProvider

	Close() error
}

// Compile-time check: *SQLStore implements DataStore.
var _ DataStore = (*SQLStore)(nil)

type CourseReadProvider interface {
	GetCourse(ctx context.Context, id int64) (*model.Course, error)
	GetCourseByName(ctx context.Context, name string) (*model.Course, error)
	ListCourses(ctx context.Context) ([]model.Course, error)
}

type CourseWriteProvider interface {
	CreateCourse(ctx context.Context, name string) (*model.Course, error)
}

type QueueReadProvider interface {
	GetQueue(ctx context.Context, id int64) (*model.Queue, error)
	ListQueuesForCourse(ctx context.Context, courseID int64) ([]model.Queue, error)
}

type QueueWriteProvider interface {
	CreateQueue(ctx context.Context, courseID int64, in model.NewQueue) (*model.Queue, error)
	DeleteQueue(ctx context.Context, id int64) error
}

type QuestionReadProvider interface {
	GetQuestion(ctx context.Context, id int64) (*model.Question, error)
	ListQuestionsForQueue(ctx context.Context, queueID int64) ([]model.Question, error)
}

type QuestionWriteProvider interface {
	CreateQuestion(ctx context.Context, queueID int64, in model.NewQuestion) (*model.Question, error)
	// DeleteQuestion removes the question. Deleting an already removed
	// question fails NotFound so concurrent deleters publish exactly once.
	DeleteQuestion(ctx context.Context, id int64) error
	// UpdateQuestionStatuses applies all changes or none. Every question must
	// belong to queueID.
	UpdateQuestionStatuses(ctx context.Context, queueID int64, changes []model.StatusChange) ([]model.Question, error)
}

type UserReadProvider interface {
	GetUser(ctx context.Context, id int64) (*model.User, error)
	GetUserByName(ctx context.Context, name string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
}

type UserWriteProvider interface {
	CreateUser(ctx context.Context, name string, isAdmin bool) (*model.User, error)
	AddCourseStaff(ctx context.Context, userID, courseID int64) error
}
