package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/officehours/pkg/errorz"
	"github.com/NicolasHaas/officehours/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05.000000"

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DB is satisfied by both *sql.DB and *sql.Tx.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore implements DataStore over SQLite or PostgreSQL. Queries are
// written with '?' placeholders and rebound for the active driver.
type SQLStore struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// Open connects to the given driver and runs migrations. For SQLite the
// source is a file path; for PostgreSQL it is a connection string.
func Open(driver, source string) (*SQLStore, error) {
	switch driver {
	case DriverSQLite:
		source = sqliteDSN(source)
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("datastore: unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: ping: %w", err)
	}

	s := &SQLStore{db: db, driver: driver, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// sqliteDSN attaches per-connection pragmas. Pragmas issued with Exec only
// reach one pooled connection, so they go into the DSN instead.
func sqliteDSN(path string) string {
	const pragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	if strings.Contains(path, "?") {
		return path + "&" + pragmas
	}
	return "file:" + path + "?" + pragmas
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Driver returns the driver name the store was opened with.
func (s *SQLStore) Driver() string { return s.driver }

// rebind rewrites '?' placeholders to '$n' for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, q DB, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, q DB, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, q DB, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.rebind(query), args...)
}

// insert runs an INSERT ... RETURNING id statement.
func (s *SQLStore) insert(ctx context.Context, q DB, query string, args ...any) (int64, error) {
	var id int64
	if err := s.queryRow(ctx, q, query+" RETURNING id", args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx DB) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errorz.Store("datastore: begin tx", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errorz.Store("datastore: commit", err)
	}
	return nil
}

// ---- Migrations ----

func (s *SQLStore) schema() string {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == DriverPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	return strings.ReplaceAll(`
	CREATE TABLE IF NOT EXISTS users (
		id         {serial},
		name       TEXT    NOT NULL UNIQUE CHECK(length(name) > 0 AND length(name) <= 64),
		is_admin   INTEGER NOT NULL DEFAULT 0,
		created_at TEXT    NOT NULL
	);

	CREATE TABLE IF NOT EXISTS courses (
		id         {serial},
		name       TEXT    NOT NULL UNIQUE CHECK(length(name) > 0),
		created_at TEXT    NOT NULL
	);

	CREATE TABLE IF NOT EXISTS course_staff (
		user_id   BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		course_id BIGINT NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
		PRIMARY KEY (user_id, course_id)
	);

	CREATE TABLE IF NOT EXISTS queues (
		id         {serial},
		course_id  BIGINT  NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
		name       TEXT    NOT NULL,
		location   TEXT    NOT NULL DEFAULT '',
		created_at TEXT    NOT NULL
	);

	CREATE TABLE IF NOT EXISTS questions (
		id         {serial},
		queue_id   BIGINT  NOT NULL REFERENCES queues(id) ON DELETE CASCADE,
		author_id  BIGINT  NOT NULL DEFAULT 0,
		content    TEXT    NOT NULL,
		status     TEXT    NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'active', 'answered')),
		created_at TEXT    NOT NULL,
		updated_at TEXT    NOT NULL
	);
	`, "{serial}", serial)
}

func (s *SQLStore) migrate(ctx context.Context) error {
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version    int
		statements []string
	}{
		{
			version:    1,
			statements: []string{s.schema()},
		},
		{
			version: 2,
			statements: []string{
				"CREATE INDEX IF NOT EXISTS idx_queues_course ON queues (course_id, id)",
				"CREATE INDEX IF NOT EXISTS idx_questions_queue ON questions (queue_id, id)",
			},
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("datastore: migrate v%d: %w", m.version, err)
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (s *SQLStore) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.exec(ctx, s.db, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ---- Users ----

// CreateUser creates a user and returns it with the assigned ID.
func (s *SQLStore) CreateUser(ctx context.Context, name string, isAdmin bool) (*model.User, error) {
	if err := model.ValidateUserName(name); err != nil {
		return nil, errorz.InvalidRequest("create user: %v", err)
	}
	id, err := s.insert(ctx, s.db, "INSERT INTO users (name, is_admin, created_at) VALUES (?, ?, ?)",
		name, boolToInt(isAdmin), formatDBTime(s.now()))
	if err != nil {
		return nil, errorz.Store("datastore: create user", err)
	}
	return &model.User{ID: id, Name: name, IsAdmin: isAdmin, StaffCourseIDs: []int64{}}, nil
}

// GetUser retrieves a user with its staff assignments.
func (s *SQLStore) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return s.getUser(ctx, "SELECT id, name, is_admin FROM users WHERE id = ?", id)
}

// GetUserByName retrieves a user by name.
func (s *SQLStore) GetUserByName(ctx context.Context, name string) (*model.User, error) {
	return s.getUser(ctx, "SELECT id, name, is_admin FROM users WHERE name = ?", name)
}

func (s *SQLStore) getUser(ctx context.Context, query string, arg any) (*model.User, error) {
	u := &model.User{}
	var isAdmin int
	err := s.queryRow(ctx, s.db, query, arg).Scan(&u.ID, &u.Name, &isAdmin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errorz.NotFound("user %v not found", arg)
	}
	if err != nil {
		return nil, errorz.Store("datastore: get user", err)
	}
	u.IsAdmin = isAdmin != 0
	if u.StaffCourseIDs, err = s.staffCourses(ctx, u.ID); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *SQLStore) staffCourses(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.query(ctx, s.db, "SELECT course_id FROM course_staff WHERE user_id = ? ORDER BY course_id", userID)
	if err != nil {
		return nil, errorz.Store("datastore: list staff courses", err)
	}
	ids, err := scanIDs(rows)
	if err != nil {
		return nil, errorz.Store("datastore: scan staff course", err)
	}
	return ids, nil
}

// ListUsers returns all users ordered by ID.
func (s *SQLStore) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.query(ctx, s.db, "SELECT id, name, is_admin FROM users ORDER BY id")
	if err != nil {
		return nil, errorz.Store("datastore: list users", err)
	}
	defer func() { _ = rows.Close() }()

	var users []model.User
	for rows.Next() {
		var u model.User
		var isAdmin int
		if err := rows.Scan(&u.ID, &u.Name, &isAdmin); err != nil {
			return nil, errorz.Store("datastore: scan user", err)
		}
		u.IsAdmin = isAdmin != 0
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, errorz.Store("datastore: list users", err)
	}
	for i := range users {
		if users[i].StaffCourseIDs, err = s.staffCourses(ctx, users[i].ID); err != nil {
			return nil, err
		}
	}
	return users, nil
}

// AddCourseStaff makes a user staff of a course. Repeated calls are no-ops.
func (s *SQLStore) AddCourseStaff(ctx context.Context, userID, courseID int64) error {
	return s.inTx(ctx, func(tx DB) error {
		if err := s.mustExist(ctx, tx, "users", userID); err != nil {
			return err
		}
		if err := s.mustExist(ctx, tx, "courses", courseID); err != nil {
			return err
		}
		_, err := s.exec(ctx, tx, "INSERT INTO course_staff (user_id, course_id) VALUES (?, ?) ON CONFLICT DO NOTHING", userID, courseID)
		return errorz.Store("datastore: add course staff", err)
	})
}

func (s *SQLStore) mustExist(ctx context.Context, q DB, table string, id int64) error {
	var found int64
	err := s.queryRow(ctx, q, "SELECT id FROM "+table+" WHERE id = ?", id).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return errorz.NotFound("%s %d not found", strings.TrimSuffix(table, "s"), id)
	}
	return errorz.Store("datastore: lookup "+table, err)
}

// ---- Courses ----

// CreateCourse creates a course with no queues.
func (s *SQLStore) CreateCourse(ctx context.Context, name string) (*model.Course, error) {
	name = strings.TrimSpace(name)
	if name == "" || len([]rune(name)) > model.MaxCourseNameLength {
		return nil, errorz.InvalidRequest("course name must be 1-%d characters", model.MaxCourseNameLength)
	}
	id, err := s.insert(ctx, s.db, "INSERT INTO courses (name, created_at) VALUES (?, ?)", name, formatDBTime(s.now()))
	if err != nil {
		return nil, errorz.Store("datastore: create course", err)
	}
	return &model.Course{ID: id, Name: name, QueueIDs: []int64{}}, nil
}

// GetCourse retrieves a course with its queue IDs in creation order.
func (s *SQLStore) GetCourse(ctx context.Context, id int64) (*model.Course, error) {
	return s.getCourse(ctx, "SELECT id, name FROM courses WHERE id = ?", id)
}

// GetCourseByName retrieves a course by its unique name.
func (s *SQLStore) GetCourseByName(ctx context.Context, name string) (*model.Course, error) {
	return s.getCourse(ctx, "SELECT id, name FROM courses WHERE name = ?", name)
}

func (s *SQLStore) getCourse(ctx context.Context, query string, arg any) (*model.Course, error) {
	c := &model.Course{}
	err := s.queryRow(ctx, s.db, query, arg).Scan(&c.ID, &c.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errorz.NotFound("course %v not found", arg)
	}
	if err != nil {
		return nil, errorz.Store("datastore: get course", err)
	}
	rows, err := s.query(ctx, s.db, "SELECT id FROM queues WHERE course_id = ? ORDER BY id", c.ID)
	if err != nil {
		return nil, errorz.Store("datastore: list course queues", err)
	}
	if c.QueueIDs, err = scanIDs(rows); err != nil {
		return nil, errorz.Store("datastore: scan course queue", err)
	}
	return c, nil
}

// ListCourses returns all courses ordered by ID.
func (s *SQLStore) ListCourses(ctx context.Context) ([]model.Course, error) {
	rows, err := s.query(ctx, s.db, "SELECT id FROM courses ORDER BY id")
	if err != nil {
		return nil, errorz.Store("datastore: list courses", err)
	}
	ids, err := scanIDs(rows)
	if err != nil {
		return nil, errorz.Store("datastore: scan course", err)
	}
	courses := make([]model.Course, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetCourse(ctx, id)
		if err != nil {
			return nil, err
		}
		courses = append(courses, *c)
	}
	return courses, nil
}

// ---- Queues ----

// CreateQueue creates an empty queue in a course.
func (s *SQLStore) CreateQueue(ctx context.Context, courseID int64, in model.NewQueue) (*model.Queue, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	var q *model.Queue
	err := s.inTx(ctx, func(tx DB) error {
		if err := s.mustExist(ctx, tx, "courses", courseID); err != nil {
			return err
		}
		id, err := s.insert(ctx, tx, "INSERT INTO queues (course_id, name, location, created_at) VALUES (?, ?, ?, ?)",
			courseID, in.Name, in.Location, formatDBTime(s.now()))
		if err != nil {
			return errorz.Store("datastore: create queue", err)
		}
		q = &model.Queue{ID: id, CourseID: courseID, Name: in.Name, Location: in.Location, QuestionIDs: []int64{}}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// GetQueue retrieves a queue with its question IDs in creation order.
func (s *SQLStore) GetQueue(ctx context.Context, id int64) (*model.Queue, error) {
	q := &model.Queue{}
	err := s.queryRow(ctx, s.db, "SELECT id, course_id, name, location FROM queues WHERE id = ?", id).
		Scan(&q.ID, &q.CourseID, &q.Name, &q.Location)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errorz.NotFound("queue %d not found", id)
	}
	if err != nil {
		return nil, errorz.Store("datastore: get queue", err)
	}
	rows, err := s.query(ctx, s.db, "SELECT id FROM questions WHERE queue_id = ? ORDER BY id", id)
	if err != nil {
		return nil, errorz.Store("datastore: list queue questions", err)
	}
	if q.QuestionIDs, err = scanIDs(rows); err != nil {
		return nil, errorz.Store("datastore: scan queue question", err)
	}
	return q, nil
}

// ListQueuesForCourse returns a course's queues in creation order.
func (s *SQLStore) ListQueuesForCourse(ctx context.Context, courseID int64) ([]model.Queue, error) {
	course, err := s.GetCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}
	queues := make([]model.Queue, 0, len(course.QueueIDs))
	for _, id := range course.QueueIDs {
		q, err := s.GetQueue(ctx, id)
		if errorz.Is(err, errorz.ErrNotFound) {
			continue // deleted between the two reads
		}
		if err != nil {
			return nil, err
		}
		queues = append(queues, *q)
	}
	return queues, nil
}

// DeleteQueue removes a queue and all of its questions.
func (s *SQLStore) DeleteQueue(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx DB) error {
		if _, err := s.exec(ctx, tx, "DELETE FROM questions WHERE queue_id = ?", id); err != nil {
			return errorz.Store("datastore: delete queue questions", err)
		}
		res, err := s.exec(ctx, tx, "DELETE FROM queues WHERE id = ?", id)
		if err != nil {
			return errorz.Store("datastore: delete queue", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errorz.NotFound("queue %d not found", id)
		}
		return nil
	})
}

// ---- Questions ----

const questionColumns = "id, queue_id, author_id, content, status, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuestion(row rowScanner) (*model.Question, error) {
	q := &model.Question{}
	var status, createdAt, updatedAt string
	if err := row.Scan(&q.ID, &q.QueueID, &q.AuthorID, &q.Content, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	q.Status = model.QuestionStatus(status)
	var err error
	if q.CreatedAt, err = parseDBTime(createdAt); err != nil {
		return nil, err
	}
	if q.UpdatedAt, err = parseDBTime(updatedAt); err != nil {
		return nil, err
	}
	return q, nil
}

// CreateQuestion appends a pending question to a queue.
func (s *SQLStore) CreateQuestion(ctx context.Context, queueID int64, in model.NewQuestion) (*model.Question, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	now := s.now().UTC().Truncate(time.Microsecond)
	var q *model.Question
	err := s.inTx(ctx, func(tx DB) error {
		if err := s.mustExist(ctx, tx, "queues", queueID); err != nil {
			return err
		}
		id, err := s.insert(ctx, tx,
			"INSERT INTO questions (queue_id, author_id, content, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
			queueID, in.AuthorID, in.Content, string(model.StatusPending), formatDBTime(now), formatDBTime(now))
		if err != nil {
			return errorz.Store("datastore: create question", err)
		}
		q = &model.Question{
			ID:        id,
			QueueID:   queueID,
			AuthorID:  in.AuthorID,
			Content:   in.Content,
			Status:    model.StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// GetQuestion retrieves a question by ID.
func (s *SQLStore) GetQuestion(ctx context.Context, id int64) (*model.Question, error) {
	q, err := scanQuestion(s.queryRow(ctx, s.db, "SELECT "+questionColumns+" FROM questions WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errorz.NotFound("question %d not found", id)
	}
	if err != nil {
		return nil, errorz.Store("datastore: get question", err)
	}
	return q, nil
}

// ListQuestionsForQueue returns a queue's questions in creation order.
func (s *SQLStore) ListQuestionsForQueue(ctx context.Context, queueID int64) ([]model.Question, error) {
	return s.listQuestions(ctx, s.db, queueID)
}

func (s *SQLStore) listQuestions(ctx context.Context, q DB, queueID int64) ([]model.Question, error) {
	rows, err := s.query(ctx, q, "SELECT "+questionColumns+" FROM questions WHERE queue_id = ? ORDER BY id", queueID)
	if err != nil {
		return nil, errorz.Store("datastore: list questions", err)
	}
	defer func() { _ = rows.Close() }()

	questions := []model.Question{}
	for rows.Next() {
		question, err := scanQuestion(rows)
		if err != nil {
			return nil, errorz.Store("datastore: scan question", err)
		}
		questions = append(questions, *question)
	}
	if err := rows.Err(); err != nil {
		return nil, errorz.Store("datastore: list questions", err)
	}
	return questions, nil
}

// DeleteQuestion removes a question.
func (s *SQLStore) DeleteQuestion(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, s.db, "DELETE FROM questions WHERE id = ?", id)
	if err != nil {
		return errorz.Store("datastore: delete question", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errorz.NotFound("question %d not found", id)
	}
	return nil
}

// UpdateQuestionStatuses applies a batch of status changes in one
// transaction and returns the updated questions in request order.
func (s *SQLStore) UpdateQuestionStatuses(ctx context.Context, queueID int64, changes []model.StatusChange) ([]model.Question, error) {
	if len(changes) == 0 {
		return nil, errorz.InvalidRequest("no status changes given")
	}
	var updated []model.Question
	err := s.inTx(ctx, func(tx DB) error {
		updated = make([]model.Question, 0, len(changes))
		for _, ch := range changes {
			if !ch.Status.Valid() || ch.Status == model.StatusDeleted {
				return errorz.InvalidRequest("status %q cannot be set by an update", ch.Status)
			}
			cur, err := scanQuestion(s.queryRow(ctx, tx, "SELECT "+questionColumns+" FROM questions WHERE id = ?", ch.QuestionID))
			if errors.Is(err, sql.ErrNoRows) || (err == nil && cur.QueueID != queueID) {
				return errorz.NotFound("question %d not found in queue %d", ch.QuestionID, queueID)
			}
			if err != nil {
				return errorz.Store("datastore: get question", err)
			}
			if !cur.Status.CanTransition(ch.Status) {
				return errorz.InvalidRequest("question %d cannot move from %s to %s", cur.ID, cur.Status, ch.Status)
			}

			// UpdatedAt never moves backwards, even if the clock does.
			now := s.now().UTC().Truncate(time.Microsecond)
			if !now.After(cur.UpdatedAt) {
				now = cur.UpdatedAt.Add(time.Microsecond)
			}
			if _, err := s.exec(ctx, tx, "UPDATE questions SET status = ?, updated_at = ? WHERE id = ?",
				string(ch.Status), formatDBTime(now), cur.ID); err != nil {
				return errorz.Store("datastore: update question status", err)
			}
			cur.Status = ch.Status
			cur.UpdatedAt = now
			updated = append(updated, *cur)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	defer func() { _ = rows.Close() }()
	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
