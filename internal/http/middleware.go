package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"icap/backend/internal/crypto"
	"icap/backend/internal/identity"
)

// authMiddleware resolves the bearer token into an AuthContext for the rest
// of the chain.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, err := s.authenticate(r)
		if err != nil {
			s.writeIdentityError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(identity.WithAuth(r.Context(), ac)))
	})
}

func (s *Server) authenticate(r *http.Request) (identity.AuthContext, error) {
	token := bearerToken(r.Header.Get("Authorization"))
	ac, err := s.service.Authenticate(r.Context(), token)
	if err == nil {
		return ac, nil
	}
	code := identity.CodeInternal
	if idErr, ok := identity.AsError(err); ok {
		code = idErr.Code
	}
	s.metrics.Reject(string(code))
	entry := s.logger.WithFields(logrus.Fields{
		"event":      string(code),
		"token_fp":   crypto.Fingerprint(token),
		"path":       r.URL.Path,
		"request_id": middleware.GetReqID(r.Context()),
	})
	if code == identity.CodeInternal {
		entry.WithError(err).Error("authentication failed")
	} else {
		entry.Warn("request rejected")
	}
	return identity.AuthContext{}, err
}

// authFromRequest prefers the context attached by authMiddleware and falls
// back to parsing the request's token.
func (s *Server) authFromRequest(r *http.Request) (identity.AuthContext, error) {
	if ac, ok := identity.FromContext(r.Context()); ok {
		return ac, nil
	}
	return s.authenticate(r)
}

func (s *Server) requireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, err := s.authFromRequest(r)
			if err != nil {
				s.writeIdentityError(w, err)
				return
			}
			if err := identity.RequireRole(ac, roles); err != nil {
				s.metrics.Reject(string(identity.CodeAccessDenied))
				s.logger.WithFields(logrus.Fields{
					"event":          "access_denied",
					"principal":      ac.Principal.ID(),
					"role":           ac.Role,
					"required_roles": roles,
					"path":           r.URL.Path,
				}).Warn("role gate rejected request")
				s.writeIdentityError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(identity.WithAuth(r.Context(), ac)))
		})
	}
}

func (s *Server) requirePermission(anyOf ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, err := s.authFromRequest(r)
			if err != nil {
				s.writeIdentityError(w, err)
				return
			}
			s.checkPermission(w, r, ac, anyOf, next)
		})
	}
}

// requirePermissionOrSelf admits a student whose id is the URL parameter, and
// anyone else holding one of anyOf.
func (s *Server) requirePermissionOrSelf(param string, anyOf ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, err := s.authFromRequest(r)
			if err != nil {
				s.writeIdentityError(w, err)
				return
			}
			if ac.Principal.Kind == identity.KindStudent && ac.Principal.ID() == chi.URLParam(r, param) {
				next.ServeHTTP(w, r.WithContext(identity.WithAuth(r.Context(), ac)))
				return
			}
			s.checkPermission(w, r, ac, anyOf, next)
		})
	}
}

func (s *Server) checkPermission(w http.ResponseWriter, r *http.Request, ac identity.AuthContext, anyOf []string, next http.Handler) {
	resolved, err := s.authorizer.RequirePermission(r.Context(), ac, anyOf)
	if err != nil {
		if idErr, ok := identity.AsError(err); ok && idErr.Code == identity.CodePermissionDenied {
			s.metrics.Reject(string(identity.CodePermissionDenied))
			s.logger.WithFields(logrus.Fields{
				"event":                 "permission_denied",
				"principal":             ac.Principal.ID(),
				"role":                  idErr.Details["current_role"],
				"requested_permissions": anyOf,
				"path":                  r.URL.Path,
			}).Warn("permission gate rejected request")
		}
		s.writeIdentityError(w, err)
		return
	}
	next.ServeHTTP(w, r.WithContext(identity.WithAuth(r.Context(), resolved)))
}
