package model

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/NicolasHaas/officehours/pkg/errorz"
)

const (
	MaxQuestionContentLength = 1000
	MaxQueueNameLength       = 64
	MaxQueueLocationLength   = 128
	MaxCourseNameLength      = 128
)

// QuestionStatus is the lifecycle state of a question.
type QuestionStatus string

const (
	StatusPending  QuestionStatus = "pending"
	StatusActive   QuestionStatus = "active"
	StatusAnswered QuestionStatus = "answered"
	StatusDeleted  QuestionStatus = "deleted"
)

// transitions lists the statuses reachable from each status through an update.
// Deletion has its own path and is never reached through an update.
var transitions = map[QuestionStatus][]QuestionStatus{
	StatusPending:  {StatusActive, StatusAnswered},
	StatusActive:   {StatusPending, StatusAnswered},
	StatusAnswered: {},
	StatusDeleted:  {},
}

// Valid reports whether s is a known status.
func (s QuestionStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether an update may move a question from s to next.
// Re-applying the current status is allowed so retried updates are harmless.
func (s QuestionStatus) CanTransition(next QuestionStatus) bool {
	if s == next {
		return s != StatusDeleted
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Question is a single help request owned by exactly one queue.
type Question struct {
	ID        int64          `json:"id"`
	QueueID   int64          `json:"queue_id"`
	AuthorID  int64          `json:"author_id"`
	Content   string         `json:"content"`
	Status    QuestionStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// NewQuestion is the caller-supplied part of a question.
type NewQuestion struct {
	AuthorID int64  `json:"-"`
	Content  string `json:"content"`
}

// Validate normalizes and checks the content.
func (n *NewQuestion) Validate() error {
	n.Content = strings.TrimSpace(n.Content)
	if n.Content == "" {
		return errorz.InvalidRequest("question content is required")
	}
	if utf8.RuneCountInString(n.Content) > MaxQuestionContentLength {
		return errorz.InvalidRequest("question content must be at most %d characters", MaxQuestionContentLength)
	}
	return nil
}

// StatusChange is one entry of a batched status update.
type StatusChange struct {
	QuestionID int64          `json:"id"`
	Status     QuestionStatus `json:"status"`
}

// NewQueue is the caller-supplied part of a queue.
type NewQueue struct {
	Name     string `json:"name"`
	Location string `json:"location"`
}

// Validate normalizes and checks name and location.
func (n *NewQueue) Validate() error {
	n.Name = strings.TrimSpace(n.Name)
	n.Location = strings.TrimSpace(n.Location)
	if n.Name == "" {
		return errorz.InvalidRequest("queue name is required")
	}
	if utf8.RuneCountInString(n.Name) > MaxQueueNameLength {
		return errorz.InvalidRequest("queue name must be at most %d characters", MaxQueueNameLength)
	}
	if utf8.RuneCountInString(n.Location) > MaxQueueLocationLength {
		return errorz.InvalidRequest("queue location must be at most %d characters", MaxQueueLocationLength)
	}
	return nil
}
