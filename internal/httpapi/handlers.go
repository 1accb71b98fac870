package httpapi

import (
	"bytes"
	"net/http"
	"time"

	"github.com/p-n-ai/pai-learn/internal/domain"
	"github.com/p-n-ai/pai-learn/internal/enrollment"
	"github.com/p-n-ai/pai-learn/internal/gradebook"
	"github.com/p-n-ai/pai-learn/internal/quiz"
)

// subject returns the user a read is about: the caller, or for staff the
// user named by ?user_id=.
func subject(r *http.Request) (string, error) {
	actor := actorFrom(r)
	userID := r.URL.Query().Get("user_id")
	if userID == "" || userID == actor.UserID {
		return actor.UserID, nil
	}
	if !actor.IsStaff() {
		return "", domain.Denied(domain.ReasonStaffOnly)
	}
	return userID, nil
}

func lessonPath(r *http.Request) (courseID, moduleID, lessonID string) {
	return r.PathValue("courseID"), r.PathValue("moduleID"), r.PathValue("lessonID")
}

func (s *Server) handleOutline(w http.ResponseWriter, r *http.Request) {
	outline, err := s.access.Outline(r.Context(), actorFrom(r), r.PathValue("courseID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outline)
}

func (s *Server) handleCourseProgress(w http.ResponseWriter, r *http.Request) {
	userID, err := subject(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	summary, err := s.progress.CourseProgress(r.Context(), userID, r.PathValue("courseID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleModuleAccess(w http.ResponseWriter, r *http.Request) {
	d, err := s.access.CanAccessModule(r.Context(), actorFrom(r), r.PathValue("courseID"), r.PathValue("moduleID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleModuleProgress(w http.ResponseWriter, r *http.Request) {
	userID, err := subject(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.progress.GetModuleProgress(r.Context(), domain.ProgressKey{
		UserID:   userID,
		CourseID: r.PathValue("courseID"),
		ModuleID: r.PathValue("moduleID"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// requireModule fails unless the caller may open the module.
func (s *Server) requireModule(r *http.Request, courseID, moduleID string) error {
	d, err := s.access.CanAccessModule(r.Context(), actorFrom(r), courseID, moduleID)
	if err != nil {
		return err
	}
	return d.Err()
}

func (s *Server) handleLessonComplete(w http.ResponseWriter, r *http.Request) {
	courseID, moduleID, lessonID := lessonPath(r)
	if err := s.requireModule(r, courseID, moduleID); err != nil {
		writeError(w, r, err)
		return
	}
	key := domain.ProgressKey{UserID: actorFrom(r).UserID, CourseID: courseID, ModuleID: moduleID}
	p, err := s.progress.RecordLessonComplete(r.Context(), key, lessonID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// maxLessonSeconds caps one time report at a day.
const maxLessonSeconds = 24 * 60 * 60

type lessonTimeRequest struct {
	Seconds int `json:"seconds"`
}

func (s *Server) handleLessonTime(w http.ResponseWriter, r *http.Request) {
	courseID, moduleID, lessonID := lessonPath(r)
	var req lessonTimeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Seconds <= 0 || req.Seconds > maxLessonSeconds {
		writeError(w, r, domain.Validationf("seconds must be between 1 and %d", maxLessonSeconds))
		return
	}
	if err := s.requireModule(r, courseID, moduleID); err != nil {
		writeError(w, r, err)
		return
	}

	userID := actorFrom(r).UserID
	if err := s.time.Record(r.Context(), userID, lessonID, time.Duration(req.Seconds)*time.Second); err != nil {
		writeError(w, r, err)
		return
	}
	spent, err := s.time.TimeSpent(r.Context(), userID, lessonID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lesson_id": lessonID, "seconds": int(spent.Seconds())})
}

func (s *Server) handleQuizStatus(w http.ResponseWriter, r *http.Request) {
	courseID, moduleID, lessonID := lessonPath(r)
	st, err := s.quiz.Status(r.Context(), actorFrom(r), courseID, moduleID, lessonID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStartAttempt(w http.ResponseWriter, r *http.Request) {
	courseID, moduleID, lessonID := lessonPath(r)
	started, err := s.quiz.Start(r.Context(), actorFrom(r), courseID, moduleID, lessonID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, started)
}

type submitRequest struct {
	Answers []quiz.AnswerInput `json:"answers"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	a, err := s.quiz.Submit(r.Context(), actorFrom(r), r.PathValue("attemptID"), req.Answers)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type gradeRequest struct {
	Grades []quiz.GradeInput `json:"grades"`
}

func (s *Server) handleGrade(w http.ResponseWriter, r *http.Request) {
	var req gradeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	a, err := s.quiz.Grade(r.Context(), actorFrom(r), r.PathValue("attemptID"), req.Grades)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	res, err := s.quiz.Results(r.Context(), actorFrom(r), r.PathValue("attemptID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.quiz.PendingGrading(r.Context(), actorFrom(r), r.PathValue("quizID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": pending})
}

func (s *Server) handleWorksheet(w http.ResponseWriter, r *http.Request) {
	quizID := r.PathValue("quizID")
	q, attempts, err := s.quiz.Report(r.Context(), actorFrom(r), quizID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := gradebook.Export(&buf, q, attempts); err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", contentDisposition(quizID+".xlsx"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

type gradeUploadResponse struct {
	Graded []string          `json:"graded"`
	Failed map[string]string `json:"failed,omitempty"`
}

// handleGradeUpload applies the grades of a filled-in worksheet. Each
// attempt is graded on its own; one failure does not stop the rest.
func (s *Server) handleGradeUpload(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if !actor.IsStaff() {
		writeError(w, r, domain.Denied(domain.ReasonStaffOnly))
		return
	}
	quizID := r.PathValue("quizID")
	grades, err := gradebook.ParseGrades(http.MaxBytesReader(w, r.Body, 16*maxBodyBytes))
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := gradeUploadResponse{Graded: []string{}, Failed: map[string]string{}}
	for attemptID, inputs := range grades {
		res, err := s.quiz.Results(r.Context(), actor, attemptID)
		if err == nil && res.Attempt.QuizID != quizID {
			err = domain.NotFound("attempt", attemptID)
		}
		if err == nil {
			_, err = s.quiz.Grade(r.Context(), actor, attemptID, inputs)
		}
		if err != nil {
			resp.Failed[attemptID] = err.Error()
			continue
		}
		resp.Graded = append(resp.Graded, attemptID)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResetAttempts(w http.ResponseWriter, r *http.Request) {
	n, err := s.quiz.ResetAttempts(r.Context(), actorFrom(r), r.PathValue("quizID"), r.PathValue("userID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

type dependenciesRequest struct {
	Dependencies []domain.Dependency `json:"dependencies"`
}

func (s *Server) handleSetDependencies(w http.ResponseWriter, r *http.Request) {
	var req dependenciesRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	m, err := s.catalog.SetDependencies(r.Context(), actorFrom(r), r.PathValue("moduleID"), req.Dependencies)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type enrollmentRequest struct {
	UserID    string   `json:"user_id"`
	CourseID  string   `json:"course_id"`
	Full      bool     `json:"full,omitempty"`
	ModuleIDs []string `json:"module_ids,omitempty"`
}

func (req enrollmentRequest) validate() error {
	if err := requireField("user_id", req.UserID); err != nil {
		return err
	}
	return requireField("course_id", req.CourseID)
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req enrollmentRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, r, err)
		return
	}
	scope := enrollment.Modules(req.ModuleIDs...)
	if req.Full {
		scope = enrollment.Full()
	}
	e, err := s.enrollment.Grant(r.Context(), req.UserID, req.CourseID, scope)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req enrollmentRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, r, err)
		return
	}
	e, err := s.enrollment.Revoke(r.Context(), req.UserID, req.CourseID, req.ModuleIDs...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if e == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enrollment": nil, "deleted": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enrollment": e, "deleted": false})
}
