// Package rbac implements the authorization gate: a pure decision over a
// user, an action and a queue or course reference.
//
// Rules are evaluated in order:
//
//  0. a missing or malformed identifier is a request-shape error and fails
//     before any lookup;
//  1. admins are allowed everything;
//  2. the reference is resolved to its owning course with a single lookup;
//  3. staff-gated actions require staff status for that course;
//  4. student-facing actions allow any authenticated user, and anonymous
//     users when the gate is configured to.
package rbac

import (
	"context"

	"github.com/NicolasHaas/officehours/pkg/errorz"
	"github.com/NicolasHaas/officehours/pkg/model"
)

// Action is something a user may attempt against a queue or course.
type Action int

const (
	ActionViewQueue Action = iota
	ActionSubscribeQueue
	ActionCreateQuestion
	ActionDeleteQuestion
	ActionUpdateQuestions
	ActionManageQueue
	ActionViewCourse
)

type requirement int

const (
	requireMember requirement = iota // any authenticated (or permitted anonymous) user
	requireStaff                     // staff of the owning course
)

// permissionMatrix maps each action to the role it requires.
var permissionMatrix = map[Action]requirement{
	ActionViewQueue:       requireMember,
	ActionSubscribeQueue:  requireMember,
	ActionCreateQuestion:  requireMember,
	ActionViewCourse:      requireMember,
	ActionDeleteQuestion:  requireStaff,
	ActionUpdateQuestions: requireStaff,
	ActionManageQueue:     requireStaff,
}

func (a Action) String() string {
	switch a {
	case ActionViewQueue:
		return "view-queue"
	case ActionSubscribeQueue:
		return "subscribe-queue"
	case ActionCreateQuestion:
		return "create-question"
	case ActionDeleteQuestion:
		return "delete-question"
	case ActionUpdateQuestions:
		return "update-questions"
	case ActionManageQueue:
		return "manage-queue"
	case ActionViewCourse:
		return "view-course"
	default:
		return "unknown"
	}
}

// ResourceKind distinguishes queue references from course references.
type ResourceKind int

const (
	ResourceQueue ResourceKind = iota
	ResourceCourse
)

func (k ResourceKind) String() string {
	if k == ResourceCourse {
		return "course"
	}
	return "queue"
}

// Resource identifies the target of an action by its raw identifier, exactly
// as the caller supplied it.
type Resource struct {
	Kind  ResourceKind
	RawID string
}

// QueueRef references a queue.
func QueueRef(raw string) Resource { return Resource{Kind: ResourceQueue, RawID: raw} }

// CourseRef references a course.
func CourseRef(raw string) Resource { return Resource{Kind: ResourceCourse, RawID: raw} }

// Resolver is the lookup surface the gate needs from the store.
type Resolver interface {
	GetQueue(ctx context.Context, id int64) (*model.Queue, error)
	GetCourse(ctx context.Context, id int64) (*model.Course, error)
}

// Grant is the outcome of a successful authorization. CourseID is zero when
// the decision did not need a lookup (admin bypass).
type Grant struct {
	ResourceID int64
	CourseID   int64
}

// Options configures a Gate.
type Options struct {
	AllowAnonymous bool // anonymous users may perform student-facing actions
}

// Gate decides whether a user may perform an action. It holds no state
// beyond its configuration; every call re-resolves the resource so role
// membership always reflects current data.
type Gate struct {
	resolver Resolver
	opts     Options
}

// NewGate creates a gate backed by the given resolver.
func NewGate(resolver Resolver, opts Options) *Gate {
	return &Gate{resolver: resolver, opts: opts}
}

// Authorize returns a Grant when user may perform action on ref, or an
// errorz error of kind InvalidRequest, NotFound, Forbidden or Store.
func (g *Gate) Authorize(ctx context.Context, user model.User, action Action, ref Resource) (Grant, error) {
	req, ok := permissionMatrix[action]
	if !ok {
		return Grant{}, errorz.InvalidRequest("unknown action %d", int(action))
	}
	id, err := model.ParseID(ref.Kind.String(), ref.RawID)
	if err != nil {
		return Grant{}, err
	}
	grant := Grant{ResourceID: id}

	if user.IsAdmin {
		return grant, nil
	}

	courseID, err := g.owningCourse(ctx, ref.Kind, id)
	if err != nil {
		return Grant{}, err
	}
	grant.CourseID = courseID

	switch req {
	case requireStaff:
		if !user.IsStaffFor(courseID) {
			return Grant{}, errorz.Forbidden("%s requires course staff", action)
		}
	case requireMember:
		if user.IsAnonymous() && !g.opts.AllowAnonymous {
			return Grant{}, errorz.Forbidden("%s requires sign-in", action)
		}
	}
	return grant, nil
}

func (g *Gate) owningCourse(ctx context.Context, kind ResourceKind, id int64) (int64, error) {
	switch kind {
	case ResourceCourse:
		course, err := g.resolver.GetCourse(ctx, id)
		if err != nil {
			return 0, err
		}
		return course.ID, nil
	default:
		queue, err := g.resolver.GetQueue(ctx, id)
		if err != nil {
			return 0, err
		}
		return queue.CourseID, nil
	}
}
