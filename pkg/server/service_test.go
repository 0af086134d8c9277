package server

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/NicolasHaas/officehours/pkg/errorz"
	"github.com/NicolasHaas/officehours/pkg/model"
	"github.com/NicolasHaas/officehours/pkg/protocol"
)

func TestCourseView(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw := model.FormatID(f.course.ID)

	second, err := f.srv.service.CreateQueue(ctx, f.staff, raw, model.NewQueue{Name: "  Exam review ", Location: "Online"})
	if err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}
	if second.Name != "Exam review" {
		t.Fatalf("CreateQueue: name not trimmed: %q", second.Name)
	}

	view, err := f.srv.service.Course(ctx, f.student, raw)
	if err != nil {
		t.Fatalf("Course: %v", err)
	}
	var names []string
	for _, q := range view.Queues {
		names = append(names, q.Name)
	}
	if diff := cmp.Diff([]string{"Lab", "Exam review"}, names); diff != "" {
		t.Fatalf("queues mismatch (-want +got):\n%s", diff)
	}
	if view.IsStaff {
		t.Fatal("student reported as staff")
	}

	view, err = f.srv.service.Course(ctx, f.staff, raw)
	if err != nil || !view.IsStaff {
		t.Fatalf("Course(staff): got %+v, %v", view, err)
	}
	if _, err := f.srv.service.Course(ctx, f.student, "69"); !errors.Is(err, errorz.ErrNotFound) {
		t.Fatalf("Course(69): got %v, want NotFound", err)
	}
}

func TestManageQueueRequiresStaff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw := model.FormatID(f.course.ID)
	other, err := f.st.CreateCourse(ctx, "CS 374")
	if err != nil {
		t.Fatalf("CreateCourse: %v", err)
	}

	tcases := map[string]struct {
		user   model.User
		course string
		want   error
	}{
		"student":         {user: f.student, course: raw, want: errorz.ErrForbidden},
		"anonymous":       {user: model.Anonymous, course: raw, want: errorz.ErrForbidden},
		"staff_elsewhere": {user: f.staff, course: model.FormatID(other.ID), want: errorz.ErrForbidden},
		"missing_course":  {user: f.staff, course: "", want: errorz.ErrInvalidRequest},
		"staff":           {user: f.staff, course: raw},
		"admin_any":       {user: f.admin, course: model.FormatID(other.ID)},
	}
	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			_, err := f.srv.service.CreateQueue(ctx, tc.user, tc.course, model.NewQueue{Name: name})
			if tc.want == nil {
				if err != nil {
					t.Fatalf("CreateQueue: unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("CreateQueue: got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestDeleteQueueFromOtherCourseIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other, err := f.st.CreateCourse(ctx, "CS 374")
	if err != nil {
		t.Fatalf("CreateCourse: %v", err)
	}

	err = f.srv.service.DeleteQueue(ctx, f.admin, model.FormatID(other.ID), model.FormatID(f.queue.ID))
	if !errors.Is(err, errorz.ErrNotFound) {
		t.Fatalf("DeleteQueue: got %v, want NotFound", err)
	}
	if _, err := f.st.GetQueue(ctx, f.queue.ID); err != nil {
		t.Fatalf("queue removed through the wrong course: %v", err)
	}
	if err := f.srv.service.DeleteQueue(ctx, f.staff, model.FormatID(f.course.ID), "hello"); !errors.Is(err, errorz.ErrInvalidRequest) {
		t.Fatalf("DeleteQueue(hello): got %v, want InvalidRequest", err)
	}
}

func TestCreateQuestionValidatesAndSetsAuthor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw := model.FormatID(f.queue.ID)

	q, err := f.srv.service.CreateQuestion(ctx, f.student, raw, model.NewQuestion{AuthorID: 99, Content: "  why?  "})
	if err != nil {
		t.Fatalf("CreateQuestion: %v", err)
	}
	if q.AuthorID != f.student.ID || q.Content != "why?" || q.Status != model.StatusPending {
		t.Fatalf("CreateQuestion: got %+v", q)
	}

	tcases := map[string]struct {
		queue   string
		content string
		want    error
	}{
		"empty_content": {queue: raw, content: "   ", want: errorz.ErrInvalidRequest},
		"non_numeric":   {queue: "hello", content: "x", want: errorz.ErrInvalidRequest},
		"absent_queue":  {queue: "69", content: "x", want: errorz.ErrNotFound},
	}
	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			_, err := f.srv.service.CreateQuestion(ctx, f.student, tc.queue, model.NewQuestion{Content: tc.content})
			if !errors.Is(err, tc.want) {
				t.Fatalf("CreateQuestion: got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestDeleteQuestionChecksQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other, err := f.st.CreateQueue(ctx, f.course.ID, model.NewQueue{Name: "Other"})
	if err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}
	q := f.ask(t, f.student, other.ID, "lives elsewhere")

	tcases := map[string]struct {
		queue, question string
		want            error
	}{
		"wrong_queue":     {queue: model.FormatID(f.queue.ID), question: model.FormatID(q.ID), want: errorz.ErrNotFound},
		"missing_queue":   {queue: "", question: model.FormatID(q.ID), want: errorz.ErrInvalidRequest},
		"bad_question":    {queue: model.FormatID(other.ID), question: "hello", want: errorz.ErrInvalidRequest},
		"absent_question": {queue: model.FormatID(other.ID), question: "69", want: errorz.ErrNotFound},
		"absent_queue":    {queue: "69", question: model.FormatID(q.ID), want: errorz.ErrNotFound},
	}
	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			err := f.srv.service.DeleteQuestion(ctx, f.staff, tc.queue, tc.question)
			if !errors.Is(err, tc.want) {
				t.Fatalf("DeleteQuestion: got %v, want %v", err, tc.want)
			}
		})
	}

	if err := f.srv.service.DeleteQuestion(ctx, f.staff, model.FormatID(other.ID), model.FormatID(q.ID)); err != nil {
		t.Fatalf("DeleteQuestion: %v", err)
	}
	if err := f.srv.service.DeleteQuestion(ctx, f.staff, model.FormatID(other.ID), model.FormatID(q.ID)); !errors.Is(err, errorz.ErrNotFound) {
		t.Fatalf("second DeleteQuestion: got %v, want NotFound", err)
	}
}

func TestUpdateQuestionsPublishesOneBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw := model.FormatID(f.queue.ID)
	a := f.ask(t, f.student, f.queue.ID, "a")
	b := f.ask(t, f.student, f.queue.ID, "b")

	sess := f.session(t, f.student)
	if _, err := f.srv.channels.Join(ctx, sess, raw); err != nil {
		t.Fatalf("Join: %v", err)
	}
	proj := protocol.NewProjection(f.queue.ID, 0)
	for _, ev := range drainEvents(sess) {
		proj.Apply(ev)
	}

	changes := []model.StatusChange{
		{QuestionID: a.ID, Status: model.StatusActive},
		{QuestionID: b.ID, Status: model.StatusAnswered},
	}
	if _, err := f.srv.service.UpdateQuestions(ctx, f.student, raw, changes); !errors.Is(err, errorz.ErrForbidden) {
		t.Fatalf("student UpdateQuestions: got %v, want Forbidden", err)
	}
	updated, err := f.srv.service.UpdateQuestions(ctx, f.staff, raw, changes)
	if err != nil {
		t.Fatalf("UpdateQuestions: %v", err)
	}
	if len(updated) != 2 {
		t.Fatalf("UpdateQuestions: got %d questions, want 2", len(updated))
	}

	evs := drainEvents(sess)
	if diff := cmp.Diff([]protocol.EventType{protocol.EventQuestionsUpdated}, eventTypes(evs)); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
	proj.Apply(evs[0])
	// Re-delivery leaves the projection unchanged.
	if proj.Apply(evs[0]) {
		t.Fatal("re-delivered batch changed the projection")
	}
	got, _ := proj.Get(a.ID)
	if got.Status != model.StatusActive {
		t.Fatalf("question %d status: got %s", a.ID, got.Status)
	}
	got, _ = proj.Get(b.ID)
	if got.Status != model.StatusAnswered {
		t.Fatalf("question %d status: got %s", b.ID, got.Status)
	}

	// An illegal transition fails the whole batch and publishes nothing.
	_, err = f.srv.service.UpdateQuestions(ctx, f.staff, raw, []model.StatusChange{
		{QuestionID: a.ID, Status: model.StatusAnswered},
		{QuestionID: b.ID, Status: model.StatusPending},
	})
	if !errors.Is(err, errorz.ErrInvalidRequest) {
		t.Fatalf("illegal transition: got %v, want InvalidRequest", err)
	}
	if evs := drainEvents(sess); len(evs) != 0 {
		t.Fatalf("published %v for a failed batch", eventTypes(evs))
	}
	if _, err := f.srv.service.UpdateQuestions(ctx, f.staff, raw, nil); !errors.Is(err, errorz.ErrInvalidRequest) {
		t.Fatalf("empty batch: got %v, want InvalidRequest", err)
	}
}
