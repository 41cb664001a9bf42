package http

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"icap/backend/internal/catalog"
	"icap/backend/internal/crypto"
	"icap/backend/internal/identity"
	"icap/backend/internal/repository"
)

type studentLoginRequest struct {
	NationalID string `json:"ci"`
	Password   string `json:"password"`
}

type accountLoginRequest struct {
	Email      string `json:"email"`
	NationalID string `json:"ci"`
	Password   string `json:"password"`
}

type registerRequest struct {
	NationalID           string `json:"ci"`
	FirstName            string `json:"nombre"`
	LastName             string `json:"apellido"`
	Email                string `json:"email"`
	Phone                string `json:"celular"`
	BirthDate            string `json:"fecha_nacimiento"`
	Address              string `json:"direccion"`
	Province             string `json:"provincia"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
}

type sessionResponse struct {
	Token     string           `json:"token"`
	TokenType string           `json:"token_type"`
	ExpiresIn int64            `json:"expires_in"`
	User      identity.Profile `json:"user"`
}

func newSessionResponse(session identity.Session) sessionResponse {
	return sessionResponse{
		Token:     session.Token,
		TokenType: "bearer",
		ExpiresIn: session.ExpiresIn,
		User:      session.Profile(),
	}
}

func invalidBody() error {
	return identity.ValidationFailed(map[string]string{"body": "El cuerpo de la solicitud no es JSON válido."})
}

func (s *Server) handleStudentLogin(w http.ResponseWriter, r *http.Request) {
	var req studentLoginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.metrics.Login(identity.StudentPortal.Name, string(identity.CodeValidation))
		s.writeIdentityError(w, invalidBody())
		return
	}
	fields := map[string]string{}
	if strings.TrimSpace(req.NationalID) == "" {
		fields["ci"] = "El CI es obligatorio."
	}
	if req.Password == "" {
		fields["password"] = "La contraseña es obligatoria."
	}
	if len(fields) > 0 {
		s.metrics.Login(identity.StudentPortal.Name, string(identity.CodeValidation))
		s.writeIdentityError(w, identity.ValidationFailed(fields))
		return
	}

	s.throttledLogin(w, r, identity.StudentPortal, req.NationalID, func() (identity.Session, error) {
		return s.service.LoginStudent(r.Context(), req.NationalID, req.Password)
	})
}

func (s *Server) handleAccountLogin(portal identity.Portal) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req accountLoginRequest
		if err := decodeJSON(r, &req); err != nil {
			s.metrics.Login(portal.Name, string(identity.CodeValidation))
			s.writeIdentityError(w, invalidBody())
			return
		}

		kind, identifier := identity.IdentifierEmail, strings.TrimSpace(req.Email)
		if identifier == "" {
			kind, identifier = identity.IdentifierNationalID, strings.TrimSpace(req.NationalID)
		}
		fields := map[string]string{}
		if identifier == "" {
			fields["email"] = "Ingrese su email o CI."
		}
		if req.Password == "" {
			fields["password"] = "La contraseña es obligatoria."
		}
		if len(fields) > 0 {
			s.metrics.Login(portal.Name, string(identity.CodeValidation))
			s.writeIdentityError(w, identity.ValidationFailed(fields))
			return
		}

		s.throttledLogin(w, r, portal, identifier, func() (identity.Session, error) {
			return s.service.LoginAccount(r.Context(), portal, kind, identifier, req.Password)
		})
	}
}

// throttledLogin runs login unless identifier is locked out, and counts
// credential failures. Limiter errors never block a login.
func (s *Server) throttledLogin(w http.ResponseWriter, r *http.Request, portal identity.Portal, identifier string, login func() (identity.Session, error)) {
	ctx := r.Context()
	log := s.logger.WithFields(logrus.Fields{"portal": portal.Name, "identifier": identifier})

	blocked, retryAfter, err := s.limiter.Blocked(ctx, portal.Name, identifier)
	if err != nil {
		log.WithError(err).Warn("login limiter unavailable")
	}
	if blocked {
		s.metrics.Login(portal.Name, string(identity.CodeTooManyAttempts))
		s.metrics.ThrottledLoginAttempts.Inc()
		log.WithField("event", "login_throttled").Warn("too many failed logins")
		writeTooManyAttempts(w, retryAfter)
		return
	}

	session, err := login()
	if err != nil {
		code := identity.CodeInternal
		if idErr, ok := identity.AsError(err); ok {
			code = idErr.Code
		}
		if code == identity.CodeInvalidCredentials {
			if _, err := s.limiter.RecordFailure(ctx, portal.Name, identifier); err != nil {
				log.WithError(err).Warn("login limiter unavailable")
			}
		}
		s.metrics.Login(portal.Name, string(code))
		s.writeIdentityError(w, err)
		return
	}

	if err := s.limiter.Reset(ctx, portal.Name, identifier); err != nil {
		log.WithError(err).Warn("login limiter unavailable")
	}
	s.metrics.Login(portal.Name, "success")
	writeJSON(w, http.StatusOK, newSessionResponse(session))
}

func (s *Server) handleStudentRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeIdentityError(w, invalidBody())
		return
	}
	session, err := s.service.RegisterStudent(r.Context(), identity.Registration{
		NationalID:           req.NationalID,
		FirstName:            req.FirstName,
		LastName:             req.LastName,
		Email:                req.Email,
		Phone:                req.Phone,
		BirthDate:            req.BirthDate,
		Address:              req.Address,
		Province:             req.Province,
		Password:             req.Password,
		PasswordConfirmation: req.PasswordConfirmation,
	})
	if err != nil {
		s.writeIdentityError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newSessionResponse(session))
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	ac, ok := identity.FromContext(r.Context())
	if !ok {
		s.writeIdentityError(w, &identity.Error{Code: identity.CodeUnauthenticated, Message: identity.MsgLoginAgain})
		return
	}
	writeJSON(w, http.StatusOK, identity.NewProfile(ac))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r.Header.Get("Authorization"))
	session, err := s.service.Refresh(r.Context(), token, s.cfg.RefreshGrace)
	if err != nil {
		if idErr, ok := identity.AsError(err); ok {
			s.metrics.Reject(string(idErr.Code))
		}
		s.logger.WithFields(logrus.Fields{"event": "refresh_rejected", "token_fp": crypto.Fingerprint(token)}).WithError(err).Warn("refresh rejected")
		s.writeIdentityError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(session))
}

// handleLogout always succeeds: tokens are stateless and the client drops it.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		s.logger.WithFields(logrus.Fields{"event": "logout", "token_fp": crypto.Fingerprint(token)}).Info("logout")
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Sesión cerrada correctamente."})
}

type permissionsResponse struct {
	Role        string                          `json:"rol"`
	RoleID      *string                         `json:"rol_id"`
	Universal   bool                            `json:"acceso_total"`
	Permissions []identity.PermissionDescriptor `json:"permisos"`
}

func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	ac, ok := identity.FromContext(r.Context())
	if !ok {
		s.writeIdentityError(w, &identity.Error{Code: identity.CodeUnauthenticated, Message: identity.MsgLoginAgain})
		return
	}
	permissions, err := s.service.Permissions(r.Context(), ac)
	if err != nil {
		s.writeIdentityError(w, err)
		return
	}
	resp := permissionsResponse{
		Role:        ac.Role,
		Universal:   ac.Role == identity.UniversalRole,
		Permissions: permissions,
	}
	if ac.Claims != nil {
		resp.RoleID = ac.Claims.RoleID
	}
	writeJSON(w, http.StatusOK, resp)
}

type roleResponse struct {
	ID          string                          `json:"id"`
	Name        string                          `json:"nombre"`
	Description *string                         `json:"descripcion,omitempty"`
	Permissions []identity.PermissionDescriptor `json:"permisos"`
}

func (s *Server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := s.store.ListRoles(r.Context())
	if err != nil {
		s.writeIdentityError(w, identity.Internal(err))
		return
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
	resp := make([]roleResponse, 0, len(roles))
	for _, role := range roles {
		resp = append(resp, roleResponse{
			ID:          role.ID,
			Name:        role.Name,
			Description: role.Description,
			Permissions: identity.DescribePermissions(role.Permissions),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type catalogEntry struct {
	Name        string `json:"nombre"`
	Module      string `json:"modulo"`
	Action      string `json:"accion"`
	Description string `json:"descripcion"`
}

func (s *Server) handlePermissionCatalog(w http.ResponseWriter, _ *http.Request) {
	entries := catalog.All()
	resp := make([]catalogEntry, 0, len(entries))
	for _, entry := range entries {
		resp = append(resp, catalogEntry(entry))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetStudent(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "studentId")
	if _, err := uuid.Parse(studentID); err != nil {
		writeStudentNotFound(w)
		return
	}
	student, err := s.store.StudentByID(r.Context(), studentID)
	if errors.Is(err, repository.ErrNotFound) {
		writeStudentNotFound(w)
		return
	}
	if err != nil {
		s.writeIdentityError(w, identity.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, identity.NewProfile(identity.AuthContext{
		Principal: identity.StudentPrincipal(student, nil),
		Role:      identity.RoleStudent,
	}))
}

func writeStudentNotFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found", "message": "Estudiante no encontrado."})
}
