// Package store provides an in-memory DataStore for tests and development
// runs. It mirrors the SQL store's validation and error kinds.
package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/NicolasHaas/officehours/pkg/datastore"
	"github.com/NicolasHaas/officehours/pkg/errorz"
	"github.com/NicolasHaas/officehours/pkg/model"
)

// Compile-time check: *MemoryStore implements DataStore.
var _ datastore.DataStore = (*MemoryStore)(nil)

// MemoryStore holds all records behind a single RWMutex. Every method
// returns copies, so callers never share state with the store.
type MemoryStore struct {
	mu sync.RWMutex

	now func() time.Time

	// fail, when set, is returned by every call (simulates an outage).
	fail error

	nextUserID     int64
	nextCourseID   int64
	nextQueueID    int64
	nextQuestionID int64

	usersByID     map[int64]*model.User
	usersByName   map[string]int64
	coursesByID   map[int64]*model.Course
	queuesByID    map[int64]*model.Queue
	questionsByID map[int64]*model.Question
}

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		now:            now,
		nextUserID:     1,
		nextCourseID:   1,
		nextQueueID:    1,
		nextQuestionID: 1,
		usersByID:      make(map[int64]*model.User),
		usersByName:    make(map[string]int64),
		coursesByID:    make(map[int64]*model.Course),
		queuesByID:     make(map[int64]*model.Queue),
		questionsByID:  make(map[int64]*model.Question),
	}
}

// SetFailure makes every subsequent call fail with a Store error wrapping
// err. Passing nil restores normal operation.
func (s *MemoryStore) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *MemoryStore) failed(op string) error {
	if s.fail == nil {
		return nil
	}
	return errorz.Store("store: "+op, s.fail)
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

// ---- Users ----

// CreateUser creates a user and returns it with the assigned ID.
func (s *MemoryStore) CreateUser(_ context.Context, name string, isAdmin bool) (*model.User, error) {
	if err := model.ValidateUserName(name); err != nil {
		return nil, errorz.InvalidRequest("create user: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed("create user"); err != nil {
		return nil, err
	}
	if _, exists := s.usersByName[name]; exists {
		return nil, errorz.Store("store: create user", errUnique("users.name"))
	}
	user := &model.User{ID: s.nextUserID, Name: name, IsAdmin: isAdmin, StaffCourseIDs: []int64{}}
	s.nextUserID++
	s.usersByID[user.ID] = user
	s.usersByName[name] = user.ID
	return cloneUser(user), nil
}

// GetUser retrieves a user with its staff assignments.
func (s *MemoryStore) GetUser(_ context.Context, id int64) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failed("get user"); err != nil {
		return nil, err
	}
	user, ok := s.usersByID[id]
	if !ok {
		return nil, errorz.NotFound("user %d not found", id)
	}
	return cloneUser(user), nil
}

// GetUserByName retrieves a user by name.
func (s *MemoryStore) GetUserByName(_ context.Context, name string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failed("get user"); err != nil {
		return nil, err
	}
	id, ok := s.usersByName[name]
	if !ok {
		return nil, errorz.NotFound("user %s not found", name)
	}
	return cloneUser(s.usersByID[id]), nil
}

// ListUsers returns all users ordered by ID.
func (s *MemoryStore) ListUsers(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failed("list users"); err != nil {
		return nil, err
	}
	users := make([]model.User, 0, len(s.usersByID))
	for _, id := range sortedKeys(s.usersByID) {
		users = append(users, *cloneUser(s.usersByID[id]))
	}
	return users, nil
}

// AddCourseStaff makes a user staff of a course. Repeated calls are no-ops.
func (s *MemoryStore) AddCourseStaff(_ context.Context, userID, courseID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed("add course staff"); err != nil {
		return err
	}
	user, ok := s.usersByID[userID]
	if !ok {
		return errorz.NotFound("user %d not found", userID)
	}
	if _, ok := s.coursesByID[courseID]; !ok {
		return errorz.NotFound("course %d not found", courseID)
	}
	if !slices.Contains(user.StaffCourseIDs, courseID) {
		user.StaffCourseIDs = append(user.StaffCourseIDs, courseID)
		slices.Sort(user.StaffCourseIDs)
	}
	return nil
}

// ---- Courses ----

// CreateCourse creates a course with no queues.
func (s *MemoryStore) CreateCourse(_ context.Context, name string) (*model.Course, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > model.MaxCourseNameLength {
		return nil, errorz.InvalidRequest("course name must be 1-%d characters", model.MaxCourseNameLength)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed("create course"); err != nil {
		return nil, err
	}
	for _, c := range s.coursesByID {
		if c.Name == name {
			return nil, errorz.Store("store: create course", errUnique("courses.name"))
		}
	}
	course := &model.Course{ID: s.nextCourseID, Name: name, QueueIDs: []int64{}}
	s.nextCourseID++
	s.coursesByID[course.ID] = course
	return cloneCourse(course), nil
}

// GetCourse retrieves a course with its queue IDs in creation order.
func (s *MemoryStore) GetCourse(_ context.Context, id int64) (*model.Course, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failed("get course"); err != nil {
		return nil, err
	}
	course, ok := s.coursesByID[id]
	if !ok {
		return nil, errorz.NotFound("course %d not found", id)
	}
	return cloneCourse(course), nil
}

// GetCourseByName retrieves a course by its unique name.
func (s *MemoryStore) GetCourseByName(_ context.Context, name string) (*model.Course, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failed("get course"); err != nil {
		return nil, err
	}
	for _, c := range s.coursesByID {
		if c.Name == name {
			return cloneCourse(c), nil
		}
	}
	return nil, errorz.NotFound("course %s not found", name)
}

// ListCourses returns all courses ordered by ID.
func (s *MemoryStore) ListCourses(_ context.Context) ([]model.Course, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failed("list courses"); err != nil {
		return nil, err
	}
	courses := make([]model.Course, 0, len(s.coursesByID))
	for _, id := range sortedKeys(s.coursesByID) {
		courses = append(courses, *cloneCourse(s.coursesByID[id]))
	}
	return courses, nil
}

// ---- Queues ----

// CreateQueue creates an empty queue in a course.
func (s *MemoryStore) CreateQueue(_ context.Context, courseID int64, in model.NewQueue) (*model.Queue, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed("create queue"); err != nil {
		return nil, err
	}
	course, ok := s.coursesByID[courseID]
	if !ok {
		return nil, errorz.NotFound("course %d not found", courseID)
	}
	queue := &model.Queue{ID: s.nextQueueID, CourseID: courseID, Name: in.Name, Location: in.Location, QuestionIDs: []int64{}}
	s.nextQueueID++
	s.queuesByID[queue.ID] = queue
	course.QueueIDs = append(course.QueueIDs, queue.ID)
	return queue.Clone(), nil
}

// GetQueue retrieves a queue with its question IDs in creation order.
func (s *MemoryStore) GetQueue(_ context.Context, id int64) (*model.Queue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failed("get queue"); err != nil {
		return nil, err
	}
	queue, ok := s.queuesByID[id]
	if !ok {
		return nil, errorz.NotFound("queue %d not found", id)
	}
	return queue.Clone(), nil
}

// ListQueuesForCourse returns a course's queues in creation order.
func (s *MemoryStore) ListQueuesForCourse(_ context.Context, courseID int64) ([]model.Queue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failed("list queues"); err != nil {
		return nil, err
	}
	course, ok := s.coursesByID[courseID]
	if !ok {
		return nil, errorz.NotFound("course %d not found", courseID)
	}
	queues := make([]model.Queue, 0, len(course.QueueIDs))
	for _, id := range course.QueueIDs {
		queues = append(queues, *s.queuesByID[id].Clone())
	}
	return queues, nil
}

// DeleteQueue removes a queue and all of its questions.
func (s *MemoryStore) DeleteQueue(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed("delete queue"); err != nil {
		return err
	}
	queue, ok := s.queuesByID[id]
	if !ok {
		return errorz.NotFound("queue %d not found", id)
	}
	for _, qid := range queue.QuestionIDs {
		delete(s.questionsByID, qid)
	}
	if course, ok := s.coursesByID[queue.CourseID]; ok {
		course.QueueIDs = slices.DeleteFunc(course.QueueIDs, func(v int64) bool { return v == id })
	}
	delete(s.queuesByID, id)
	return nil
}

// ---- Questions ----

// CreateQuestion appends a pending question to a queue.
func (s *MemoryStore) CreateQuestion(_ context.Context, queueID int64, in model.NewQuestion) (*model.Question, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed("create question"); err != nil {
		return nil, err
	}
	queue, ok := s.queuesByID[queueID]
	if !ok {
		return nil, errorz.NotFound("queue %d not found", queueID)
	}
	now := s.now().UTC().Truncate(time.Microsecond)
	question := &model.Question{
		ID:        s.nextQuestionID,
		QueueID:   queueID,
		AuthorID:  in.AuthorID,
		Content:   in.Content,
		Status:    model.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.nextQuestionID++
	s.questionsByID[question.ID] = question
	queue.QuestionIDs = append(queue.QuestionIDs, question.ID)
	out := *question
	return &out, nil
}

// GetQuestion retrieves a question by ID.
func (s *MemoryStore) GetQuestion(_ context.Context, id int64) (*model.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failed("get question"); err != nil {
		return nil, err
	}
	question, ok := s.questionsByID[id]
	if !ok {
		return nil, errorz.NotFound("question %d not found", id)
	}
	out := *question
	return &out, nil
}

// ListQuestionsForQueue returns a queue's questions in creation order.
func (s *MemoryStore) ListQuestionsForQueue(_ context.Context, queueID int64) ([]model.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failed("list questions"); err != nil {
		return nil, err
	}
	queue, ok := s.queuesByID[queueID]
	if !ok {
		return []model.Question{}, nil
	}
	questions := make([]model.Question, 0, len(queue.QuestionIDs))
	for _, id := range queue.QuestionIDs {
		questions = append(questions, *s.questionsByID[id])
	}
	return questions, nil
}

// DeleteQuestion removes a question.
func (s *MemoryStore) DeleteQuestion(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed("delete question"); err != nil {
		return err
	}
	question, ok := s.questionsByID[id]
	if !ok {
		return errorz.NotFound("question %d not found", id)
	}
	if queue, ok := s.queuesByID[question.QueueID]; ok {
		queue.QuestionIDs = slices.DeleteFunc(queue.QuestionIDs, func(v int64) bool { return v == id })
	}
	delete(s.questionsByID, id)
	return nil
}

// UpdateQuestionStatuses applies a batch of status changes atomically and
// returns the updated questions in request order.
func (s *MemoryStore) UpdateQuestionStatuses(_ context.Context, queueID int64, changes []model.StatusChange) ([]model.Question, error) {
	if len(changes) == 0 {
		return nil, errorz.InvalidRequest("no status changes given")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed("update question statuses"); err != nil {
		return nil, err
	}

	// Validate against a scratch copy first so a failing entry leaves the
	// store untouched.
	staged := make(map[int64]model.Question, len(changes))
	updated := make([]model.Question, 0, len(changes))
	for _, ch := range changes {
		if !ch.Status.Valid() || ch.Status == model.StatusDeleted {
			return nil, errorz.InvalidRequest("status %q cannot be set by an update", ch.Status)
		}
		cur, ok := staged[ch.QuestionID]
		if !ok {
			stored, exists := s.questionsByID[ch.QuestionID]
			if !exists || stored.QueueID != queueID {
				return nil, errorz.NotFound("question %d not found in queue %d", ch.QuestionID, queueID)
			}
			cur = *stored
		}
		if !cur.Status.CanTransition(ch.Status) {
			return nil, errorz.InvalidRequest("question %d cannot move from %s to %s", cur.ID, cur.Status, ch.Status)
		}
		now := s.now().UTC().Truncate(time.Microsecond)
		if !now.After(cur.UpdatedAt) {
			now = cur.UpdatedAt.Add(time.Microsecond)
		}
		cur.Status = ch.Status
		cur.UpdatedAt = now
		staged[cur.ID] = cur
		updated = append(updated, cur)
	}

	for id, q := range staged {
		*s.questionsByID[id] = q
	}
	return updated, nil
}

type errUnique string

func (e errUnique) Error() string { return "UNIQUE constraint failed: " + string(e) }

func cloneUser(u *model.User) *model.User {
	out := *u
	out.StaffCourseIDs = slices.Clone(u.StaffCourseIDs)
	if out.StaffCourseIDs == nil {
		out.StaffCourseIDs = []int64{}
	}
	return &out
}

func cloneCourse(c *model.Course) *model.Course {
	out := *c
	out.QueueIDs = slices.Clone(c.QueueIDs)
	return &out
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
