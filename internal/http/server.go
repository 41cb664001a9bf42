package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"icap/backend/internal/auth"
	"icap/backend/internal/catalog"
	"icap/backend/internal/config"
	"icap/backend/internal/identity"
	"icap/backend/internal/metrics"
	"icap/backend/internal/model"
	"icap/backend/internal/ratelimit"
)

// Store is what the handlers read beyond the identity service.
type Store interface {
	identity.Store
	ListRoles(ctx context.Context) ([]model.Role, error)
}

type Server struct {
	cfg        config.Config
	store      Store
	service    *identity.Service
	authorizer *identity.Authorizer
	jwks       *auth.JWKSet
	metrics    *metrics.Auth
	limiter    *ratelimit.LoginLimiter
	logger     logrus.FieldLogger
}

// Dependencies are the collaborators a Server is built from. JWKS, Metrics
// and Limiter are optional.
type Dependencies struct {
	Store      Store
	Service    *identity.Service
	Authorizer *identity.Authorizer
	JWKS       *auth.JWKSet
	Metrics    *metrics.Auth
	Limiter    *ratelimit.LoginLimiter
	Logger     logrus.FieldLogger
}

func NewServer(cfg config.Config, deps Dependencies) (*Server, error) {
	if deps.Store == nil || deps.Service == nil || deps.Authorizer == nil {
		return nil, errors.New("store, service and authorizer are required")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewAuth()
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	return &Server{
		cfg:        cfg,
		store:      deps.Store,
		service:    deps.Service,
		authorizer: deps.Authorizer,
		jwks:       deps.JWKS,
		metrics:    deps.Metrics,
		limiter:    deps.Limiter,
		logger:     deps.Logger,
	}, nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/.well-known/jwks.json", s.handleJWKS)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/student/login", s.handleStudentLogin)
		r.Post("/student/register", s.handleStudentRegister)
		r.Post("/admin/login", s.handleAccountLogin(identity.AdminPortal))
		r.Post("/teacher/login", s.handleAccountLogin(identity.TeacherPortal))
		r.Post("/refresh", s.handleRefresh)
		r.Post("/logout", s.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/profile", s.handleProfile)
			r.Get("/permissions", s.handlePermissions)
		})
	})

	r.With(s.authMiddleware, s.requireRole(identity.RoleAdmin)).Get("/roles", s.handleListRoles)
	r.With(s.requirePermission(catalog.RolesView)).Get("/permissions", s.handlePermissionCatalog)
	r.With(s.authMiddleware, s.requirePermissionOrSelf("studentId", catalog.StudentsView)).Get("/students/{studentId}", s.handleGetStudent)

	return r
}

func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	if s.jwks == nil {
		writeJSON(w, http.StatusOK, auth.JWKSet{Keys: []auth.JWK{}})
		return
	}
	writeJSON(w, http.StatusOK, s.jwks)
}

var errorStatus = map[identity.Code]int{
	identity.CodeValidation:         http.StatusUnprocessableEntity,
	identity.CodeInvalidCredentials: http.StatusUnauthorized,
	identity.CodeAccessDenied:       http.StatusForbidden,
	identity.CodeTokenMissing:       http.StatusUnauthorized,
	identity.CodeTokenExpired:       http.StatusUnauthorized,
	identity.CodeTokenInvalid:       http.StatusUnauthorized,
	identity.CodeUnauthenticated:    http.StatusUnauthorized,
	identity.CodePermissionDenied:   http.StatusForbidden,
	identity.CodeTooManyAttempts:    http.StatusTooManyRequests,
	identity.CodeInternal:           http.StatusInternalServerError,
}

// writeIdentityError renders err as {"error", "message", ...details}. Errors
// that are not identity errors are treated as internal faults.
func (s *Server) writeIdentityError(w http.ResponseWriter, err error) {
	idErr, ok := identity.AsError(err)
	if !ok {
		idErr = identity.Internal(err)
	}
	status, ok := errorStatus[idErr.Code]
	if !ok {
		status = http.StatusInternalServerError
	}

	body := map[string]interface{}{}
	for key, value := range idErr.Details {
		body[key] = value
	}
	body["error"] = string(idErr.Code)
	body["message"] = idErr.Message
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).Error("request failed")
		if s.cfg.Debug && idErr.Err != nil {
			body["detail"] = idErr.Err.Error()
		}
	}
	writeJSON(w, status, body)
}

func writeTooManyAttempts(w http.ResponseWriter, retryAfter time.Duration) {
	seconds := int(retryAfter.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
		"error":       string(identity.CodeTooManyAttempts),
		"message":     identity.MsgTooManyAttempts,
		"retry_after": seconds,
	})
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	// Some clients send the bare token.
	if len(parts) == 1 && !strings.EqualFold(header, "bearer") {
		return header
	}
	return ""
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
