package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/officehours/pkg/datastore"
	"github.com/NicolasHaas/officehours/pkg/errorz"
	"github.com/NicolasHaas/officehours/pkg/model"
)

// UserYAML represents a user in a seed file.
type UserYAML struct {
	Name  string `yaml:"name"`
	Admin bool   `yaml:"admin,omitempty"`
}

// QueueYAML represents a queue in a seed file.
type QueueYAML struct {
	Name     string `yaml:"name"`
	Location string `yaml:"location,omitempty"`
}

// CourseYAML represents a course, its staff and its queues.
type CourseYAML struct {
	Name   string      `yaml:"name"`
	Staff  []string    `yaml:"staff,omitempty"` // user names
	Queues []QueueYAML `yaml:"queues,omitempty"`
}

// SeedConfig is the top-level YAML seed document.
type SeedConfig struct {
	Users   []UserYAML   `yaml:"users,omitempty"`
	Courses []CourseYAML `yaml:"courses,omitempty"`
}

// LoadSeedFromYAML reads a seed file and creates whatever it names that
// the store does not already have.
func LoadSeedFromYAML(ctx context.Context, path string, st datastore.DataStore) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	return ImportSeedYAML(ctx, data, st)
}

// ImportSeedYAML parses YAML seed data and applies it. Records are matched
// by name, so importing the same document twice changes nothing.
func ImportSeedYAML(ctx context.Context, data []byte, st datastore.DataStore) error {
	var cfg SeedConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse seed: %w", err)
	}

	for _, u := range cfg.Users {
		if _, err := ensureUser(ctx, st, u); err != nil {
			return fmt.Errorf("seed user %q: %w", u.Name, err)
		}
	}

	queues := 0
	for _, c := range cfg.Courses {
		n, err := ensureCourse(ctx, st, c)
		if err != nil {
			return fmt.Errorf("seed course %q: %w", c.Name, err)
		}
		queues += n
	}

	slog.Info("imported seed", "users", len(cfg.Users), "courses", len(cfg.Courses), "queues", queues)
	return nil
}

func ensureUser(ctx context.Context, st datastore.DataStore, u UserYAML) (*model.User, error) {
	existing, err := st.GetUserByName(ctx, u.Name)
	if err == nil {
		return existing, nil
	}
	if !errorz.Is(err, errorz.ErrNotFound) {
		return nil, err
	}
	if err := model.ValidateUserName(u.Name); err != nil {
		return nil, err
	}
	created, err := st.CreateUser(ctx, u.Name, u.Admin)
	if err != nil {
		return nil, err
	}
	slog.Debug("created user from seed", "name", u.Name, "admin", u.Admin)
	return created, nil
}

func ensureCourse(ctx context.Context, st datastore.DataStore, c CourseYAML) (int, error) {
	course, err := st.GetCourseByName(ctx, c.Name)
	if errorz.Is(err, errorz.ErrNotFound) {
		course, err = st.CreateCourse(ctx, c.Name)
		if err == nil {
			slog.Debug("created course from seed", "name", c.Name)
		}
	}
	if err != nil {
		return 0, err
	}

	for _, name := range c.Staff {
		user, err := ensureUser(ctx, st, UserYAML{Name: name})
		if err != nil {
			return 0, err
		}
		if err := st.AddCourseStaff(ctx, user.ID, course.ID); err != nil {
			return 0, err
		}
	}

	existing, err := st.ListQueuesForCourse(ctx, course.ID)
	if err != nil {
		return 0, err
	}
	have := make(map[string]bool, len(existing))
	for _, q := range existing {
		have[q.Name] = true
	}

	created := 0
	for _, q := range c.Queues {
		in := model.NewQueue{Name: q.Name, Location: q.Location}
		if err := in.Validate(); err != nil {
			return 0, err
		}
		if have[in.Name] {
			continue
		}
		if _, err := st.CreateQueue(ctx, course.ID, in); err != nil {
			return 0, err
		}
		have[in.Name] = true
		created++
	}
	return created, nil
}

// ExportSeedYAML renders every user, course, staff assignment and queue as
// a seed document.
func ExportSeedYAML(ctx context.Context, st datastore.DataStore) ([]byte, error) {
	users, err := st.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	courses, err := st.ListCourses(ctx)
	if err != nil {
		return nil, err
	}

	var cfg SeedConfig
	staff := make(map[int64][]string)
	for _, u := range users {
		cfg.Users = append(cfg.Users, UserYAML{Name: u.Name, Admin: u.IsAdmin})
		for _, courseID := range u.StaffCourseIDs {
			staff[courseID] = append(staff[courseID], u.Name)
		}
	}

	for _, c := range courses {
		queues, err := st.ListQueuesForCourse(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		entry := CourseYAML{Name: c.Name, Staff: staff[c.ID]}
		for _, q := range queues {
			entry.Queues = append(entry.Queues, QueueYAML{Name: q.Name, Location: q.Location})
		}
		cfg.Courses = append(cfg.Courses, entry)
	}
	return yaml.Marshal(&cfg)
}
