package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/p-n-ai/pai-learn/internal/domain"
)

const uniqueViolation = "23505"

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// PostgresStore is a PostgreSQL-backed Store. Each unit of work is a single
// database transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store over an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) View(ctx context.Context, fn func(Reader) error) error {
	return fn(&pgTx{q: s.pool})
}

func (s *PostgresStore) RunInTx(ctx context.Context, fn func(Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return fn(&pgTx{q: tx, inTx: true})
	})
}

type pgTx struct {
	q    querier
	inTx bool
}

const courseColumns = `id, title, creator_id, price, module_price, enrollment_count, deleted`

func scanCourse(row scanner) (domain.Course, error) {
	var c domain.Course
	err := row.Scan(&c.ID, &c.Title, &c.CreatorID, &c.Price, &c.ModulePrice, &c.EnrollmentCount, &c.Deleted)
	return c, err
}

func (t *pgTx) Course(ctx context.Context, id string) (domain.Course, error) {
	c, err := scanCourse(t.q.QueryRow(ctx,
		`SELECT `+courseColumns+` FROM courses WHERE id = $1 AND NOT deleted`, id))
	if err != nil {
		return domain.Course{}, notFoundOr(err, "course", id)
	}
	return c, nil
}

const moduleColumns = `id, course_id, title, position, is_accessible, prerequisites, dependencies, deleted`

func scanModule(row scanner) (domain.Module, error) {
	var m domain.Module
	var prereqs, deps []byte
	if err := row.Scan(&m.ID, &m.CourseID, &m.Title, &m.Order, &m.IsAccessible, &prereqs, &deps, &m.Deleted); err != nil {
		return domain.Module{}, err
	}
	if err := fromJSON(prereqs, &m.Prerequisites); err != nil {
		return domain.Module{}, fmt.Errorf("decode prerequisites: %w", err)
	}
	if err := fromJSON(deps, &m.Dependencies); err != nil {
		return domain.Module{}, fmt.Errorf("decode dependencies: %w", err)
	}
	return m, nil
}

func (t *pgTx) Module(ctx context.Context, id string) (domain.Module, error) {
	m, err := scanModule(t.q.QueryRow(ctx,
		`SELECT `+moduleColumns+` FROM modules WHERE id = $1 AND NOT deleted`, id))
	if err != nil {
		return domain.Module{}, notFoundOr(err, "module", id)
	}
	return m, nil
}

func (t *pgTx) Modules(ctx context.Context, courseID string) ([]domain.Module, error) {
	return queryAll(ctx, t.q, scanModule,
		`SELECT `+moduleColumns+` FROM modules WHERE course_id = $1 AND NOT deleted ORDER BY position, id`, courseID)
}

func (t *pgTx) ModulesIncludingDeleted(ctx context.Context, courseID string) ([]domain.Module, error) {
	return queryAll(ctx, t.q, scanModule,
		`SELECT `+moduleColumns+` FROM modules WHERE course_id = $1 ORDER BY position, id`, courseID)
}

const lessonColumns = `id, module_id, title, position, content_url, quiz_id, quiz_settings, completion_requirements, deleted`

func scanLesson(row scanner) (domain.Lesson, error) {
	var l domain.Lesson
	var quizID *string
	var settings, completion []byte
	if err := row.Scan(&l.ID, &l.ModuleID, &l.Title, &l.Order, &l.ContentURL, &quizID, &settings, &completion, &l.Deleted); err != nil {
		return domain.Lesson{}, err
	}
	if quizID != nil {
		l.QuizID = *quizID
	}
	if err := fromJSON(settings, &l.QuizSettings); err != nil {
		return domain.Lesson{}, fmt.Errorf("decode quiz settings: %w", err)
	}
	if err := fromJSON(completion, &l.CompletionRequirements); err != nil {
		return domain.Lesson{}, fmt.Errorf("decode completion requirements: %w", err)
	}
	return l, nil
}

func (t *pgTx) Lesson(ctx context.Context, id string) (domain.Lesson, error) {
	l, err := scanLesson(t.q.QueryRow(ctx,
		`SELECT `+lessonColumns+` FROM lessons WHERE id = $1 AND NOT deleted`, id))
	if err != nil {
		return domain.Lesson{}, notFoundOr(err, "lesson", id)
	}
	return l, nil
}

func (t *pgTx) Lessons(ctx context.Context, moduleID string) ([]domain.Lesson, error) {
	return queryAll(ctx, t.q, scanLesson,
		`SELECT `+lessonColumns+` FROM lessons WHERE module_id = $1 AND NOT deleted ORDER BY position, id`, moduleID)
}

func (t *pgTx) LessonsIncludingDeleted(ctx context.Context, moduleID string) ([]domain.Lesson, error) {
	return queryAll(ctx, t.q, scanLesson,
		`SELECT `+lessonColumns+` FROM lessons WHERE module_id = $1 ORDER BY position, id`, moduleID)
}

func (t *pgTx) Quiz(ctx context.Context, id string) (domain.Quiz, error) {
	var q domain.Quiz
	var questions []byte
	err := t.q.QueryRow(ctx,
		`SELECT id, lesson_id, quiz_time_minutes, passing_score, max_attempts, question_pool_size, questions, total_marks, deleted
		 FROM quizzes WHERE id = $1 AND NOT deleted`, id,
	).Scan(&q.ID, &q.LessonID, &q.QuizTimeMinutes, &q.PassingScore, &q.MaxAttempts, &q.QuestionPoolSize, &questions, &q.TotalMarks, &q.Deleted)
	if err != nil {
		return domain.Quiz{}, notFoundOr(err, "quiz", id)
	}
	if err := fromJSON(questions, &q.Questions); err != nil {
		return domain.Quiz{}, fmt.Errorf("decode questions: %w", err)
	}
	return q, nil
}

func (t *pgTx) Enrollment(ctx context.Context, userID, courseID string) (domain.Enrollment, error) {
	var e domain.Enrollment
	var modules []byte
	query := `SELECT user_id, course_id, enrollment_type, enrolled_at, modules
	          FROM enrollments WHERE user_id = $1 AND course_id = $2`
	if t.inTx {
		query += ` FOR UPDATE`
	}
	err := t.q.QueryRow(ctx, query, userID, courseID).Scan(&e.UserID, &e.CourseID, &e.Type, &e.EnrolledAt, &modules)
	if err != nil {
		return domain.Enrollment{}, notFoundOr(err, "enrollment", userID+"/"+courseID)
	}
	if err := fromJSON(modules, &e.Modules); err != nil {
		return domain.Enrollment{}, fmt.Errorf("decode enrolled modules: %w", err)
	}
	return e, nil
}

const progressColumns = `user_id, course_id, module_id, completed_lessons, completed_quizzes, percent, last_accessed`

func scanProgress(row scanner) (domain.Progress, error) {
	var p domain.Progress
	var lessons, quizzes []byte
	if err := row.Scan(&p.UserID, &p.CourseID, &p.ModuleID, &lessons, &quizzes, &p.Percent, &p.LastAccessed); err != nil {
		return domain.Progress{}, err
	}
	if err := fromJSON(lessons, &p.CompletedLessons); err != nil {
		return domain.Progress{}, fmt.Errorf("decode completed lessons: %w", err)
	}
	if err := fromJSON(quizzes, &p.CompletedQuizzes); err != nil {
		return domain.Progress{}, fmt.Errorf("decode completed quizzes: %w", err)
	}
	return p, nil
}

// Progress holds the record's key lock until the transaction ends when
// called inside one, so that the read-modify-write of a completion event
// cannot lose a concurrent update. FOR UPDATE alone locks nothing while the
// row does not exist yet.
func (t *pgTx) Progress(ctx context.Context, key domain.ProgressKey) (domain.Progress, error) {
	query := `SELECT ` + progressColumns + ` FROM progress WHERE user_id = $1 AND course_id = $2 AND module_id = $3`
	if t.inTx {
		if _, err := t.q.Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
			"progress:"+key.UserID+":"+key.CourseID+":"+key.ModuleID,
		); err != nil {
			return domain.Progress{}, fmt.Errorf("lock progress: %w", err)
		}
		query += ` FOR UPDATE`
	}
	p, err := scanProgress(t.q.QueryRow(ctx, query, key.UserID, key.CourseID, key.ModuleID))
	if err != nil {
		return domain.Progress{}, notFoundOr(err, "progress", key.UserID+"/"+key.ModuleID)
	}
	return p, nil
}

func (t *pgTx) CourseProgress(ctx context.Context, userID, courseID string) ([]domain.Progress, error) {
	return queryAll(ctx, t.q, scanProgress,
		`SELECT `+progressColumns+` FROM progress WHERE user_id = $1 AND course_id = $2 ORDER BY module_id`,
		userID, courseID)
}

const attemptColumns = `id, quiz_id, user_id, course_id, module_id, lesson_id, attempt_number, question_ids,
	total_marks, start_time, submit_time, status, answers, score, percentage, passed,
	needs_manual_grading, expired, graded_by, graded_at`

func scanAttempt(row scanner) (domain.Attempt, error) {
	var a domain.Attempt
	var questionIDs, answers []byte
	var gradedBy *string
	if err := row.Scan(
		&a.ID, &a.QuizID, &a.UserID, &a.CourseID, &a.ModuleID, &a.LessonID, &a.Number, &questionIDs,
		&a.TotalMarks, &a.StartTime, &a.SubmitTime, &a.Status, &answers, &a.Score, &a.Percentage, &a.Passed,
		&a.NeedsManualGrading, &a.Expired, &gradedBy, &a.GradedAt,
	); err != nil {
		return domain.Attempt{}, err
	}
	if gradedBy != nil {
		a.GradedBy = *gradedBy
	}
	if err := fromJSON(questionIDs, &a.QuestionIDs); err != nil {
		return domain.Attempt{}, fmt.Errorf("decode question ids: %w", err)
	}
	if err := fromJSON(answers, &a.Answers); err != nil {
		return domain.Attempt{}, fmt.Errorf("decode answers: %w", err)
	}
	return a, nil
}

func (t *pgTx) Attempt(ctx context.Context, id string) (domain.Attempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM quiz_attempts WHERE id = $1`
	if t.inTx {
		query += ` FOR UPDATE`
	}
	a, err := scanAttempt(t.q.QueryRow(ctx, query, id))
	if err != nil {
		return domain.Attempt{}, notFoundOr(err, "attempt", id)
	}
	return a, nil
}

func (t *pgTx) Attempts(ctx context.Context, quizID, userID string) ([]domain.Attempt, error) {
	return queryAll(ctx, t.q, scanAttempt,
		`SELECT `+attemptColumns+` FROM quiz_attempts WHERE quiz_id = $1 AND user_id = $2 ORDER BY attempt_number`,
		quizID, userID)
}

func (t *pgTx) QuizAttempts(ctx context.Context, quizID string) ([]domain.Attempt, error) {
	return queryAll(ctx, t.q, scanAttempt,
		`SELECT `+attemptColumns+` FROM quiz_attempts WHERE quiz_id = $1 ORDER BY user_id, attempt_number`,
		quizID)
}

func (t *pgTx) PutCourse(ctx context.Context, c domain.Course) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO courses (id, title, creator_id, price, module_price, enrollment_count, deleted)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   title = EXCLUDED.title,
		   creator_id = EXCLUDED.creator_id,
		   price = EXCLUDED.price,
		   module_price = EXCLUDED.module_price,
		   enrollment_count = EXCLUDED.enrollment_count,
		   deleted = EXCLUDED.deleted`,
		c.ID, c.Title, c.CreatorID, c.Price, c.ModulePrice, c.EnrollmentCount, c.Deleted,
	)
	if err != nil {
		return fmt.Errorf("put course: %w", err)
	}
	return nil
}

func (t *pgTx) PutModule(ctx context.Context, m domain.Module) error {
	prereqs, err := toJSON(nonNil(m.Prerequisites))
	if err != nil {
		return err
	}
	deps, err := toJSON(nonNil(m.Dependencies))
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx,
		`INSERT INTO modules (id, course_id, title, position, is_accessible, prerequisites, dependencies, deleted)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   course_id = EXCLUDED.course_id,
		   title = EXCLUDED.title,
		   position = EXCLUDED.position,
		   is_accessible = EXCLUDED.is_accessible,
		   prerequisites = EXCLUDED.prerequisites,
		   dependencies = EXCLUDED.dependencies,
		   deleted = EXCLUDED.deleted`,
		m.ID, m.CourseID, m.Title, m.Order, m.IsAccessible, prereqs, deps, m.Deleted,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.Validationf("module order %d is already used in course %s", m.Order, m.CourseID)
		}
		return fmt.Errorf("put module: %w", err)
	}
	return nil
}

func (t *pgTx) PutLesson(ctx context.Context, l domain.Lesson) error {
	settings, err := toJSON(l.QuizSettings)
	if err != nil {
		return err
	}
	completion, err := toJSON(l.CompletionRequirements)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx,
		`INSERT INTO lessons (id, module_id, title, position, content_url, quiz_id, quiz_settings, completion_requirements, deleted)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   module_id = EXCLUDED.module_id,
		   title = EXCLUDED.title,
		   position = EXCLUDED.position,
		   content_url = EXCLUDED.content_url,
		   quiz_id = EXCLUDED.quiz_id,
		   quiz_settings = EXCLUDED.quiz_settings,
		   completion_requirements = EXCLUDED.completion_requirements,
		   deleted = EXCLUDED.deleted`,
		l.ID, l.ModuleID, l.Title, l.Order, l.ContentURL, nullIfEmpty(l.QuizID), settings, completion, l.Deleted,
	)
	if err != nil {
		return fmt.Errorf("put lesson: %w", err)
	}
	return nil
}

func (t *pgTx) PutQuiz(ctx context.Context, q domain.Quiz) error {
	questions, err := toJSON(nonNil(q.Questions))
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx,
		`INSERT INTO quizzes (id, lesson_id, quiz_time_minutes, passing_score, max_attempts, question_pool_size, questions, total_marks, deleted)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   lesson_id = EXCLUDED.lesson_id,
		   quiz_time_minutes = EXCLUDED.quiz_time_minutes,
		   passing_score = EXCLUDED.passing_score,
		   max_attempts = EXCLUDED.max_attempts,
		   question_pool_size = EXCLUDED.question_pool_size,
		   questions = EXCLUDED.questions,
		   total_marks = EXCLUDED.total_marks,
		   deleted = EXCLUDED.deleted`,
		q.ID, q.LessonID, q.QuizTimeMinutes, q.PassingScore, q.MaxAttempts, q.QuestionPoolSize, questions, q.TotalMarks, q.Deleted,
	)
	if err != nil {
		return fmt.Errorf("put quiz: %w", err)
	}
	return nil
}

func (t *pgTx) PutEnrollment(ctx context.Context, e domain.Enrollment) error {
	modules, err := toJSON(nonNil(e.Modules))
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx,
		`INSERT INTO enrollments (user_id, course_id, enrollment_type, enrolled_at, modules)
		 VALUES ($1, $2, $3, $4, $5::jsonb)
		 ON CONFLICT (user_id, course_id) DO UPDATE SET
		   enrollment_type = EXCLUDED.enrollment_type,
		   enrolled_at = EXCLUDED.enrolled_at,
		   modules = EXCLUDED.modules`,
		e.UserID, e.CourseID, string(e.Type), e.EnrolledAt, modules,
	)
	if err != nil {
		return fmt.Errorf("put enrollment: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteEnrollment(ctx context.Context, userID, courseID string) error {
	if _, err := t.q.Exec(ctx,
		`DELETE FROM enrollments WHERE user_id = $1 AND course_id = $2`, userID, courseID,
	); err != nil {
		return fmt.Errorf("delete enrollment: %w", err)
	}
	return nil
}

func (t *pgTx) PutProgress(ctx context.Context, p domain.Progress) error {
	lessons, err := toJSON(nonNil(p.CompletedLessons))
	if err != nil {
		return err
	}
	quizzes, err := toJSON(nonNil(p.CompletedQuizzes))
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx,
		`INSERT INTO progress (user_id, course_id, module_id, completed_lessons, completed_quizzes, percent, last_accessed)
		 VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6, $7)
		 ON CONFLICT (user_id, course_id, module_id) DO UPDATE SET
		   completed_lessons = EXCLUDED.completed_lessons,
		   completed_quizzes = EXCLUDED.completed_quizzes,
		   percent = EXCLUDED.percent,
		   last_accessed = EXCLUDED.last_accessed`,
		p.UserID, p.CourseID, p.ModuleID, lessons, quizzes, p.Percent, p.LastAccessed,
	)
	if err != nil {
		return fmt.Errorf("put progress: %w", err)
	}
	return nil
}

func (t *pgTx) LockAttempts(ctx context.Context, quizID, userID string) error {
	if _, err := t.q.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, quizID+":"+userID,
	); err != nil {
		return fmt.Errorf("lock attempts: %w", err)
	}
	return nil
}

func (t *pgTx) InsertAttempt(ctx context.Context, a domain.Attempt) error {
	questionIDs, answers, err := attemptJSON(a)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx,
		`INSERT INTO quiz_attempts (`+attemptColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11, $12, $13::jsonb, $14, $15, $16, $17, $18, $19, $20)`,
		a.ID, a.QuizID, a.UserID, a.CourseID, a.ModuleID, a.LessonID, a.Number, questionIDs,
		a.TotalMarks, a.StartTime, a.SubmitTime, string(a.Status), answers, a.Score, a.Percentage, a.Passed,
		a.NeedsManualGrading, a.Expired, nullIfEmpty(a.GradedBy), a.GradedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			slog.Debug("attempt insert lost a race", "quiz_id", a.QuizID, "user_id", a.UserID, "constraint", pgErr.ConstraintName)
			if pgErr.ConstraintName == "quiz_attempts_one_live" {
				return domain.Conflict(domain.ReasonOngoingAttempt, "another attempt is in progress")
			}
			return domain.Conflict("", "attempt number %d already issued", a.Number)
		}
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateAttempt(ctx context.Context, a domain.Attempt) error {
	_, answers, err := attemptJSON(a)
	if err != nil {
		return err
	}
	cmd, err := t.q.Exec(ctx,
		`UPDATE quiz_attempts SET
		   submit_time = $2,
		   status = $3,
		   answers = $4::jsonb,
		   score = $5,
		   percentage = $6,
		   passed = $7,
		   needs_manual_grading = $8,
		   expired = $9,
		   graded_by = $10,
		   graded_at = $11
		 WHERE id = $1`,
		a.ID, a.SubmitTime, string(a.Status), answers, a.Score, a.Percentage, a.Passed,
		a.NeedsManualGrading, a.Expired, nullIfEmpty(a.GradedBy), a.GradedAt,
	)
	if err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return domain.NotFound("attempt", a.ID)
	}
	return nil
}

func (t *pgTx) DeleteAttempts(ctx context.Context, quizID, userID string) (int, error) {
	cmd, err := t.q.Exec(ctx,
		`DELETE FROM quiz_attempts WHERE quiz_id = $1 AND user_id = $2`, quizID, userID)
	if err != nil {
		return 0, fmt.Errorf("delete attempts: %w", err)
	}
	return int(cmd.RowsAffected()), nil
}

func attemptJSON(a domain.Attempt) (string, string, error) {
	questionIDs, err := toJSON(nonNil(a.QuestionIDs))
	if err != nil {
		return "", "", err
	}
	answers, err := toJSON(nonNil(a.Answers))
	if err != nil {
		return "", "", err
	}
	return questionIDs, answers, nil
}

func queryAll[T any](ctx context.Context, q querier, scan func(scanner) (T, error), sql string, args ...any) ([]T, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate: %w", err)
	}
	return out, nil
}

func notFoundOr(err error, entity, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NotFound(entity, id)
	}
	return fmt.Errorf("get %s: %w", entity, err)
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	return string(b), nil
}

func fromJSON(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}
