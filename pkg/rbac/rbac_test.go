package rbac

import (
	"context"
	"errors"
	"testing"

	"github.com/NicolasHaas/officehours/pkg/errorz"
	"github.com/NicolasHaas/officehours/pkg/model"
)

// fakeResolver holds course 1 (queues 1, 2) and course 2 (queue 3).
type fakeResolver struct {
	lookups int
	fail    error
}

func (f *fakeResolver) GetQueue(_ context.Context, id int64) (*model.Queue, error) {
	f.lookups++
	if f.fail != nil {
		return nil, f.fail
	}
	switch id {
	case 1, 2:
		return &model.Queue{ID: id, CourseID: 1}, nil
	case 3:
		return &model.Queue{ID: id, CourseID: 2}, nil
	}
	return nil, errorz.NotFound("queue %d not found", id)
}

func (f *fakeResolver) GetCourse(_ context.Context, id int64) (*model.Course, error) {
	f.lookups++
	if f.fail != nil {
		return nil, f.fail
	}
	if id == 1 || id == 2 {
		return &model.Course{ID: id}, nil
	}
	return nil, errorz.NotFound("course %d not found", id)
}

var allActions = []Action{
	ActionViewQueue,
	ActionSubscribeQueue,
	ActionCreateQuestion,
	ActionDeleteQuestion,
	ActionUpdateQuestions,
	ActionManageQueue,
	ActionViewCourse,
}

var (
	admin     = model.User{ID: 1, Name: "admin", IsAdmin: true}
	staff1    = model.User{ID: 2, Name: "ta", StaffCourseIDs: []int64{1}}
	staff2    = model.User{ID: 3, Name: "other-ta", StaffCourseIDs: []int64{2}}
	student   = model.User{ID: 4, Name: "student"}
	anonymous = model.Anonymous
)

func TestAdminAllowedEverything(t *testing.T) {
	gate := NewGate(&fakeResolver{}, Options{})
	for _, action := range allActions {
		for _, ref := range []Resource{QueueRef("1"), QueueRef("3"), QueueRef("69"), CourseRef("2")} {
			if _, err := gate.Authorize(context.Background(), admin, action, ref); err != nil {
				t.Errorf("admin %s on %v: unexpected error %v", action, ref, err)
			}
		}
	}
}

func TestAdminBypassSkipsLookup(t *testing.T) {
	resolver := &fakeResolver{}
	gate := NewGate(resolver, Options{})
	if _, err := gate.Authorize(context.Background(), admin, ActionManageQueue, QueueRef("1")); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if resolver.lookups != 0 {
		t.Fatalf("admin authorization performed %d lookups, want 0", resolver.lookups)
	}
}

func TestStaffGatedActions(t *testing.T) {
	tests := []struct {
		name    string
		user    model.User
		action  Action
		ref     Resource
		wantErr error
	}{
		{"staff deletes in own course", staff1, ActionDeleteQuestion, QueueRef("1"), nil},
		{"staff updates in own course", staff1, ActionUpdateQuestions, QueueRef("2"), nil},
		{"staff manages own course", staff1, ActionManageQueue, CourseRef("1"), nil},
		{"staff of other course", staff2, ActionDeleteQuestion, QueueRef("1"), errorz.ErrForbidden},
		{"student deletes", student, ActionDeleteQuestion, QueueRef("1"), errorz.ErrForbidden},
		{"anonymous deletes", anonymous, ActionDeleteQuestion, QueueRef("1"), errorz.ErrForbidden},
		{"student manages", student, ActionManageQueue, CourseRef("1"), errorz.ErrForbidden},
		{"staff on nonexistent queue", staff1, ActionDeleteQuestion, QueueRef("69"), errorz.ErrNotFound},
		{"missing queue id", staff1, ActionDeleteQuestion, QueueRef(""), errorz.ErrInvalidRequest},
		{"non-numeric queue id", staff1, ActionDeleteQuestion, QueueRef("hello"), errorz.ErrInvalidRequest},
		{"missing course id", staff1, ActionManageQueue, CourseRef(""), errorz.ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := NewGate(&fakeResolver{}, Options{})
			_, err := gate.Authorize(context.Background(), tt.user, tt.action, tt.ref)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Authorize: unexpected error %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Authorize error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestStudentFacingActions(t *testing.T) {
	for _, action := range []Action{ActionViewQueue, ActionSubscribeQueue, ActionCreateQuestion} {
		t.Run(action.String(), func(t *testing.T) {
			closed := NewGate(&fakeResolver{}, Options{})
			if _, err := closed.Authorize(context.Background(), student, action, QueueRef("3")); err != nil {
				t.Errorf("student: unexpected error %v", err)
			}
			if _, err := closed.Authorize(context.Background(), anonymous, action, QueueRef("3")); !errors.Is(err, errorz.ErrForbidden) {
				t.Errorf("anonymous on closed gate: error = %v, want Forbidden", err)
			}

			open := NewGate(&fakeResolver{}, Options{AllowAnonymous: true})
			if _, err := open.Authorize(context.Background(), anonymous, action, QueueRef("3")); err != nil {
				t.Errorf("anonymous on open gate: unexpected error %v", err)
			}
		})
	}
}

func TestMalformedIDNeverLooksUp(t *testing.T) {
	for _, raw := range []string{"", "hello", "0", "-1"} {
		for _, action := range allActions {
			resolver := &fakeResolver{}
			gate := NewGate(resolver, Options{AllowAnonymous: true})
			for _, user := range []model.User{admin, staff1, student, anonymous} {
				_, err := gate.Authorize(context.Background(), user, action, QueueRef(raw))
				if !errors.Is(err, errorz.ErrInvalidRequest) {
					t.Errorf("%s by %s on %q: error = %v, want InvalidRequest", action, user.Name, raw, err)
				}
			}
			if resolver.lookups != 0 {
				t.Errorf("%s on %q performed %d lookups, want 0", action, raw, resolver.lookups)
			}
		}
	}
}

func TestWellFormedAbsentIDIsNotFound(t *testing.T) {
	gate := NewGate(&fakeResolver{}, Options{AllowAnonymous: true})
	for _, action := range allActions {
		if _, err := gate.Authorize(context.Background(), student, action, QueueRef("69")); !errors.Is(err, errorz.ErrNotFound) {
			t.Errorf("%s on queue 69: error = %v, want NotFound", action, err)
		}
	}
}

func TestStoreFailurePropagates(t *testing.T) {
	boom := errorz.Store("get queue", errors.New("database is locked"))
	gate := NewGate(&fakeResolver{fail: boom}, Options{})
	_, err := gate.Authorize(context.Background(), staff1, ActionDeleteQuestion, QueueRef("1"))
	if !errors.Is(err, errorz.ErrStore) {
		t.Fatalf("Authorize error = %v, want store error", err)
	}
}

func TestSingleLookupPerCall(t *testing.T) {
	resolver := &fakeResolver{}
	gate := NewGate(resolver, Options{})
	for i := 0; i < 3; i++ {
		if _, err := gate.Authorize(context.Background(), staff1, ActionDeleteQuestion, QueueRef("1")); err != nil {
			t.Fatalf("Authorize: %v", err)
		}
	}
	if resolver.lookups != 3 {
		t.Fatalf("lookups = %d, want one per call (3)", resolver.lookups)
	}
}

func TestGrantCarriesResolvedIDs(t *testing.T) {
	gate := NewGate(&fakeResolver{}, Options{})
	grant, err := gate.Authorize(context.Background(), staff2, ActionManageQueue, QueueRef("3"))
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if grant.ResourceID != 3 || grant.CourseID != 2 {
		t.Fatalf("grant = %+v, want resource 3 course 2", grant)
	}
}

func TestActionString(t *testing.T) {
	if ActionDeleteQuestion.String() != "delete-question" {
		t.Errorf("ActionDeleteQuestion.String() = %q", ActionDeleteQuestion.String())
	}
	if Action(99).String() != "unknown" {
		t.Errorf("Action(99).String() = %q", Action(99).String())
	}
}
