package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/NicolasHaas/officehours/pkg/errorz"
	"github.com/NicolasHaas/officehours/pkg/identity"
	"github.com/NicolasHaas/officehours/pkg/model"
	"github.com/NicolasHaas/officehours/pkg/version"
)

// maxBodyBytes bounds REST request bodies.
const maxBodyBytes = 64 * 1024

// errorResponse is the body of every failed REST request.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type updateQuestionsRequest struct {
	Questions []model.StatusChange `json:"questions"`
}

type updateQuestionsResponse struct {
	Questions []model.Question `json:"questions"`
}

// Handler returns the server's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /courses/{courseId}", s.withLogging(s.handleGetCourse))
	mux.HandleFunc("POST /courses/{courseId}/queues", s.withLogging(s.handleCreateQueue))
	mux.HandleFunc("DELETE /courses/{courseId}/queues/{queueId}", s.withLogging(s.handleDeleteQueue))

	mux.HandleFunc("GET /queues/{queueId}", s.withLogging(s.handleGetQueue))
	mux.HandleFunc("POST /queues/{queueId}/questions", s.withLogging(s.handleCreateQuestion))
	mux.HandleFunc("PATCH /queues/{queueId}/questions", s.withLogging(s.handleUpdateQuestions))
	mux.HandleFunc("DELETE /queues/{queueId}/questions/{questionId}", s.withLogging(s.handleDeleteQuestion))
	// Reached when a client sends the already-cleaned path.
	mux.HandleFunc("DELETE /queues/questions/{questionId}", s.withLogging(s.handleDeleteQuestion))

	mux.HandleFunc("GET /ws", s.withLogging(s.handleWS))
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, _ *http.Request) {
		JSONResponse(w, http.StatusOK, version.Get())
	})
	return s.rejectEmptySegments(mux)
}

// rejectEmptySegments answers REST paths with an empty id segment before
// ServeMux would clean them into a redirect.
func (s *Server) rejectEmptySegments(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if missing := missingSegment(r.URL.Path); missing != "" {
			s.writeError(w, r, errorz.InvalidRequest("missing %s id", missing))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// missingSegment returns the resource whose id segment is empty in a
// /courses/ or /queues/ path, e.g. "queue" for /queues//questions/1.
func missingSegment(path string) string {
	if !strings.HasPrefix(path, "/courses/") && !strings.HasPrefix(path, "/queues/") {
		return ""
	}
	parts := strings.Split(path[1:], "/")
	for i := 1; i < len(parts); i++ {
		if parts[i] == "" && i%2 == 1 {
			return strings.TrimSuffix(parts[i-1], "s")
		}
	}
	return ""
}

// withLogging wraps a handler with request logging.
func (s *Server) withLogging(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.metrics.HTTPRequests.Add(1)

		slog.Debug("request started",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)

		next(w, r)

		slog.Info("request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// JSONResponse writes data as a JSON body.
func JSONResponse(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "err", err)
	}
}

// ErrorResponse writes a JSON error body.
func ErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	JSONResponse(w, statusCode, errorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
	})
}

// ParseJSONBody decodes the request body into v. Decode failures are
// reported as InvalidRequest.
func ParseJSONBody(w http.ResponseWriter, r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errorz.InvalidRequest("request body too large")
		}
		return errorz.InvalidRequest("malformed JSON body")
	}
	return nil
}

// resolveUser binds the caller's identity for one request.
func (s *Server) resolveUser(r *http.Request, allowQuery bool) (model.User, error) {
	user, err := s.users.Resolve(r.Context(), identity.TokenFromRequest(r, allowQuery))
	if err != nil {
		if errorz.Is(err, errorz.ErrUnauthenticated) {
			s.metrics.FailedAuths.Add(1)
		}
		return model.User{}, err
	}
	return user, nil
}

// writeError maps err onto a status and a caller-safe message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorz.HTTPStatus(err)
	s.metrics.HTTPErrors.Add(1)
	if errorz.Is(err, errorz.ErrStore) {
		s.metrics.StoreErrors.Add(1)
	}
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "err", err)
	} else {
		slog.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "err", err)
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="officehours"`)
	}
	ErrorResponse(w, status, errorz.ReasonOf(err))
}

func (s *Server) handleGetCourse(w http.ResponseWriter, r *http.Request) {
	user, err := s.resolveUser(r, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := s.service.Course(r.Context(), user, r.PathValue("courseId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	JSONResponse(w, http.StatusOK, view)
}

func (s *Server) handleCreateQueue(w http.ResponseWriter, r *http.Request) {
	user, err := s.resolveUser(r, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in model.NewQueue
	if err := ParseJSONBody(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	queue, err := s.service.CreateQueue(r.Context(), user, r.PathValue("courseId"), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	JSONResponse(w, http.StatusCreated, queue)
}

func (s *Server) handleDeleteQueue(w http.ResponseWriter, r *http.Request) {
	user, err := s.resolveUser(r, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.service.DeleteQueue(r.Context(), user, r.PathValue("courseId"), r.PathValue("queueId")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	user, err := s.resolveUser(r, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	snap, err := s.service.Queue(r.Context(), user, r.PathValue("queueId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	JSONResponse(w, http.StatusOK, snap)
}

func (s *Server) handleCreateQuestion(w http.ResponseWriter, r *http.Request) {
	user, err := s.resolveUser(r, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in model.NewQuestion
	if err := ParseJSONBody(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := s.service.CreateQuestion(r.Context(), user, r.PathValue("queueId"), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	JSONResponse(w, http.StatusCreated, q)
}

func (s *Server) handleDeleteQuestion(w http.ResponseWriter, r *http.Request) {
	user, err := s.resolveUser(r, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.service.DeleteQuestion(r.Context(), user, r.PathValue("queueId"), r.PathValue("questionId")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateQuestions(w http.ResponseWriter, r *http.Request) {
	user, err := s.resolveUser(r, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req updateQuestionsRequest
	if err := ParseJSONBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	qs, err := s.service.UpdateQuestions(r.Context(), user, r.PathValue("queueId"), req.Questions)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	JSONResponse(w, http.StatusOK, updateQuestionsResponse{Questions: qs})
}
