package model

import (
	"errors"
	"fmt"
	"slices"
)

const MaxUserNameLength = 64

var ErrUserNameEmpty = errors.New("user name must not be empty")
var ErrUserNameTooLong = fmt.Errorf("user name must not exceed %d characters", MaxUserNameLength)

// User is the identity bound to a request or connection. It is resolved from
// the store on every authorization so role changes take effect immediately.
type User struct {
	ID             int64   `json:"id"` // 0 = anonymous
	Name           string  `json:"name"`
	IsAdmin        bool    `json:"is_admin"`
	StaffCourseIDs []int64 `json:"staff_course_ids"`
}

// Anonymous is the identity of a caller without credentials.
var Anonymous = User{Name: "anonymous"}

// IsAnonymous reports whether the user carries no identity.
func (u User) IsAnonymous() bool {
	return u.ID == 0
}

// IsStaffFor reports whether the user holds staff status for the course.
func (u User) IsStaffFor(courseID int64) bool {
	return slices.Contains(u.StaffCourseIDs, courseID)
}

// ValidateUserName checks that a display name is present and bounded.
func ValidateUserName(name string) error {
	if name == "" {
		return ErrUserNameEmpty
	}
	if len(name) > MaxUserNameLength {
		return ErrUserNameTooLong
	}
	return nil
}
