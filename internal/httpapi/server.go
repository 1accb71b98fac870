// Package httpapi exposes the engine over HTTP/JSON. Handlers decode the
// request, call one engine operation as the bearer token's actor, and map
// domain errors onto status codes.
package httpapi

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/p-n-ai/pai-learn/internal/access"
	"github.com/p-n-ai/pai-learn/internal/catalog"
	"github.com/p-n-ai/pai-learn/internal/enrollment"
	"github.com/p-n-ai/pai-learn/internal/progress"
	"github.com/p-n-ai/pai-learn/internal/quiz"
	"github.com/p-n-ai/pai-learn/internal/timetrack"
)

// Check reports whether a backing service is reachable.
type Check func(ctx context.Context) error

// Config holds the components the HTTP surface calls into.
type Config struct {
	Access     *access.Resolver
	Progress   *progress.Aggregator
	Quiz       *quiz.Engine
	Enrollment *enrollment.Manager
	Catalog    *catalog.Service
	Time       timetrack.Tracker
	Auth       *Authenticator
	// ServiceKeyHash is the bcrypt hash of the payment service key. Empty
	// rejects every enrollment call.
	ServiceKeyHash string
	// Checks run on /readyz, keyed by name.
	Checks map[string]Check
}

// Server routes HTTP requests to the engine.
type Server struct {
	access         *access.Resolver
	progress       *progress.Aggregator
	quiz           *quiz.Engine
	enrollment     *enrollment.Manager
	catalog        *catalog.Service
	time           timetrack.Tracker
	auth           *Authenticator
	serviceKeyHash []byte
	checks         map[string]Check
}

// New creates a server.
func New(cfg Config) *Server {
	return &Server{
		access:         cfg.Access,
		progress:       cfg.Progress,
		quiz:           cfg.Quiz,
		enrollment:     cfg.Enrollment,
		catalog:        cfg.Catalog,
		time:           cfg.Time,
		auth:           cfg.Auth,
		serviceKeyHash: []byte(cfg.ServiceKeyHash),
		checks:         cfg.Checks,
	}
}

// Handler returns the HTTP router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)

	const lesson = "/api/courses/{courseID}/modules/{moduleID}/lessons/{lessonID}"
	mux.HandleFunc("GET /api/courses/{courseID}/outline", s.withActor(s.handleOutline))
	mux.HandleFunc("GET /api/courses/{courseID}/progress", s.withActor(s.handleCourseProgress))
	mux.HandleFunc("GET /api/courses/{courseID}/modules/{moduleID}/access", s.withActor(s.handleModuleAccess))
	mux.HandleFunc("GET /api/courses/{courseID}/modules/{moduleID}/progress", s.withActor(s.handleModuleProgress))
	mux.HandleFunc("POST "+lesson+"/complete", s.withActor(s.handleLessonComplete))
	mux.HandleFunc("POST "+lesson+"/time", s.withActor(s.handleLessonTime))
	mux.HandleFunc("GET "+lesson+"/quiz", s.withActor(s.handleQuizStatus))
	mux.HandleFunc("POST "+lesson+"/quiz/attempts", s.withActor(s.handleStartAttempt))

	mux.HandleFunc("GET /api/attempts/{attemptID}", s.withActor(s.handleResults))
	mux.HandleFunc("POST /api/attempts/{attemptID}/submit", s.withActor(s.handleSubmit))
	mux.HandleFunc("POST /api/attempts/{attemptID}/grade", s.withActor(s.handleGrade))

	mux.HandleFunc("GET /api/quizzes/{quizID}/pending", s.withActor(s.handlePending))
	mux.HandleFunc("GET /api/quizzes/{quizID}/worksheet.xlsx", s.withActor(s.handleWorksheet))
	mux.HandleFunc("POST /api/quizzes/{quizID}/grades", s.withActor(s.handleGradeUpload))
	mux.HandleFunc("DELETE /api/quizzes/{quizID}/attempts/{userID}", s.withActor(s.handleResetAttempts))

	mux.HandleFunc("PUT /api/modules/{moduleID}/dependencies", s.withActor(s.handleSetDependencies))

	mux.HandleFunc("POST /api/enrollments/grant", s.withServiceKey(s.handleGrant))
	mux.HandleFunc("POST /api/enrollments/revoke", s.withServiceKey(s.handleRevoke))
	return mux
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	slices.Sort(names)

	failed := map[string]string{}
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
