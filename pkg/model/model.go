// Package model defines the core domain types for office-hours queues.
package model

import "slices"

// Course groups the queues run by one teaching team.
type Course struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	QueueIDs []int64 `json:"queue_ids"` // creation order
}

// Queue is an ordered collection of questions belonging to one course.
type Queue struct {
	ID          int64   `json:"id"`
	CourseID    int64   `json:"course_id"`
	Name        string  `json:"name"`
	Location    string  `json:"location"`
	QuestionIDs []int64 `json:"question_ids"` // creation order
}

// Clone returns a deep copy so callers may keep it past a lock.
func (q *Queue) Clone() *Queue {
	if q == nil {
		return nil
	}
	out := *q
	out.QuestionIDs = slices.Clone(q.QuestionIDs)
	return &out
}
