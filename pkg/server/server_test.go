package server

import (
	"context"
	"testing"

	"github.com/NicolasHaas/officehours/pkg/errorz"
	"github.com/NicolasHaas/officehours/pkg/model"
	"github.com/NicolasHaas/officehours/pkg/protocol"
	"github.com/NicolasHaas/officehours/pkg/store"
)

// fixture is a server over an in-memory store holding one course with one
// queue, a staff member of that course, a student and an admin.
type fixture struct {
	srv     *Server
	st      *store.MemoryStore
	course  *model.Course
	queue   *model.Queue
	staff   model.User
	student model.User
	admin   model.User
}

func newFixture(t *testing.T, opts ...func(*Config)) *fixture {
	t.Helper()
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.AllowAnonymous = true
	cfg.MetricsInterval = 0
	for _, opt := range opts {
		opt(&cfg)
	}

	st := store.NewMemory()
	srv, err := New(cfg, Dependencies{Store: st})
	if err != nil {
		t.Fatalf("New: unexpected error: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	course, err := st.CreateCourse(ctx, "CS 225")
	if err != nil {
		t.Fatalf("CreateCourse: %v", err)
	}
	queue, err := st.CreateQueue(ctx, course.ID, model.NewQueue{Name: "Lab", Location: "Siebel 0224"})
	if err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}

	f := &fixture{srv: srv, st: st, course: course, queue: queue}
	f.staff = f.user(t, "tara", false, course.ID)
	f.student = f.user(t, "sam", false)
	f.admin = f.user(t, "root", true)
	return f
}

// user creates a user, assigns staff courses and returns the stored record.
func (f *fixture) user(t *testing.T, name string, admin bool, staffOf ...int64) model.User {
	t.Helper()
	ctx := context.Background()
	u, err := f.st.CreateUser(ctx, name, admin)
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", name, err)
	}
	for _, courseID := range staffOf {
		if err := f.st.AddCourseStaff(ctx, u.ID, courseID); err != nil {
			t.Fatalf("AddCourseStaff: %v", err)
		}
	}
	u, err = f.st.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	return *u
}

// session creates a session authenticated as user.
func (f *fixture) session(t *testing.T, user model.User) *Session {
	t.Helper()
	sess := f.srv.sessions.Create()
	if err := sess.Authenticate(user); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	return sess
}

// ask creates a question in queueID as user.
func (f *fixture) ask(t *testing.T, user model.User, queueID int64, content string) *model.Question {
	t.Helper()
	q, err := f.srv.service.CreateQuestion(context.Background(), user, model.FormatID(queueID), model.NewQuestion{Content: content})
	if err != nil {
		t.Fatalf("CreateQuestion: %v", err)
	}
	return q
}

// drainEvents pops every queued entry and returns the events among them.
func drainEvents(sess *Session) []protocol.Event {
	var out []protocol.Event
	for {
		entry, ok := sess.next()
		if !ok {
			return out
		}
		if entry.event != nil {
			out = append(out, *entry.event)
		}
	}
}

func eventTypes(evs []protocol.Event) []protocol.EventType {
	out := make([]protocol.EventType, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := New(DefaultConfig(), Dependencies{}); err == nil {
		t.Fatal("New: expected error without a store")
	}
}

func TestNewRejectsWeakSigningSecret(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SigningSecret = "short"
	if _, err := New(cfg, Dependencies{Store: store.NewMemory()}); err == nil {
		t.Fatal("New: expected error for a weak signing secret")
	}
}

func TestIssueTokenResolvesToUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, err := f.srv.IssueToken(ctx, f.staff.ID)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	got, err := f.srv.users.Resolve(ctx, token)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ID != f.staff.ID || !got.IsStaffFor(f.course.ID) {
		t.Fatalf("Resolve: got %+v, want staff user %d", got, f.staff.ID)
	}

	if _, err := f.srv.IssueToken(ctx, 999); !errorz.Is(err, errorz.ErrNotFound) {
		t.Fatalf("IssueToken(missing user): got %v, want NotFound", err)
	}
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	t.Setenv("OFFICEHOURS_HTTP_ADDR", ":9999")
	t.Setenv("OFFICEHOURS_ALLOW_ANONYMOUS", "true")
	t.Setenv("OFFICEHOURS_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("OFFICEHOURS_OUTBOX_SIZE", "8")

	cfg := DefaultConfig()
	if err := LoadEnv(&cfg); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if cfg.HTTPAddr != ":9999" || !cfg.AllowAnonymous || cfg.OutboxSize != 8 {
		t.Fatalf("LoadEnv: got %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("AllowedOrigins: got %v", cfg.AllowedOrigins)
	}
	if cfg.DBSource != DefaultConfig().DBSource {
		t.Fatalf("DBSource: unset variable changed the default to %q", cfg.DBSource)
	}
}
