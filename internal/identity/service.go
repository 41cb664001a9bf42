package identity

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"icap/backend/internal/auth"
	"icap/backend/internal/model"
	"icap/backend/internal/repository"
)

type PrincipalStore interface {
	StudentByID(ctx context.Context, studentID string) (model.Student, error)
	AccountByID(ctx context.Context, accountID string) (model.Account, error)
}

type Store interface {
	CredentialStore
	RoleStore
	PrincipalStore
	RegisterStudent(ctx context.Context, person model.Person, student model.Student, account model.Account) error
}

// Session is the result of a successful login, registration or refresh.
type Session struct {
	Token     string
	ExpiresIn int64
	Principal Principal
	Role      string
	Claims    *auth.Claims
}

type Service struct {
	store  Store
	tokens *auth.Tokens
	logger logrus.FieldLogger
	now    func() time.Time
}

func NewService(store Store, tokens *auth.Tokens, logger logrus.FieldLogger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{store: store, tokens: tokens, logger: logger, now: time.Now}
}

// LoginAccount authenticates a teacher or admin and admits them only if their
// role belongs to portal.
func (s *Service) LoginAccount(ctx context.Context, portal Portal, kind IdentifierKind, identifier, password string) (Session, error) {
	log := s.logger.WithFields(logrus.Fields{
		"portal":          portal.Name,
		"identifier_kind": kind.String(),
		"identifier":      identifier,
	})

	account, ok, err := FindAccount(ctx, s.store, kind, identifier)
	if err != nil {
		log.WithError(err).Error("credential lookup failed")
		return Session{}, Internal(err)
	}
	if err := verifyPassword(ok, account.PasswordHash, password); err != nil {
		log.WithField("event", "login_failed").Warn("invalid credentials")
		return Session{}, err
	}

	principal := AccountPrincipal(account)
	role, roleID, ok := ResolveRole(principal)
	if !ok {
		actual := s.roleOfUnlinkedAccount(ctx, account)
		log.WithFields(logrus.Fields{
			"event":          "login_role_mismatch",
			"account":        account.ID,
			"current_role":   actual,
			"required_roles": portal.Roles,
		}).Warn("account has no role for this portal")
		return Session{}, accessDenied(portal.Roles, actual)
	}
	if !portal.Admits(role) {
		log.WithFields(logrus.Fields{
			"event":          "login_role_mismatch",
			"account":        account.ID,
			"current_role":   role,
			"required_roles": portal.Roles,
		}).Warn("role not admitted by portal")
		return Session{}, accessDenied(portal.Roles, &role)
	}

	session, err := s.issue(principal, role, roleID, map[string]interface{}{"portal": portal.Name})
	if err != nil {
		log.WithError(err).Error("token issuance failed")
		return Session{}, err
	}
	log.WithFields(logrus.Fields{"event": "login_succeeded", "account": account.ID, "role": role}).Info("login succeeded")
	return session, nil
}

// roleOfUnlinkedAccount reports STUDENT for accounts that only exist as a
// student's credential, so the 403 explains itself.
func (s *Service) roleOfUnlinkedAccount(ctx context.Context, account model.Account) *string {
	if account.Person == nil {
		return nil
	}
	student, err := s.store.StudentByNationalID(ctx, account.Person.NationalID)
	if err != nil || student.PersonID != account.PersonID {
		return nil
	}
	role := RoleStudent
	return &role
}

func (s *Service) LoginStudent(ctx context.Context, nationalID, password string) (Session, error) {
	log := s.logger.WithFields(logrus.Fields{
		"portal":          StudentPortal.Name,
		"identifier_kind": IdentifierNationalID.String(),
		"identifier":      nationalID,
	})

	student, account, ok, err := FindStudent(ctx, s.store, nationalID)
	if err != nil {
		log.WithError(err).Error("credential lookup failed")
		return Session{}, Internal(err)
	}
	if err := verifyPassword(ok, account.PasswordHash, password); err != nil {
		log.WithField("event", "login_failed").Warn("invalid credentials")
		return Session{}, err
	}

	principal := StudentPrincipal(student, &account)
	session, err := s.issue(principal, RoleStudent, nil, map[string]interface{}{"portal": StudentPortal.Name})
	if err != nil {
		log.WithError(err).Error("token issuance failed")
		return Session{}, err
	}
	log.WithFields(logrus.Fields{"event": "login_succeeded", "student": student.ID, "role": RoleStudent}).Info("login succeeded")
	return session, nil
}

func (s *Service) issue(principal Principal, role string, roleID *string, extra map[string]interface{}) (Session, error) {
	roleClaim, err := auth.NewRoleClaim(role, roleID)
	if err != nil {
		return Session{}, Internal(err)
	}
	token, claims, err := s.tokens.Issue(principal.TokenIdentity(), roleClaim, extra)
	if err != nil {
		return Session{}, Internal(err)
	}
	return Session{
		Token:     token,
		ExpiresIn: int64(s.tokens.TTL() / time.Second),
		Principal: principal,
		Role:      role,
		Claims:    claims,
	}, nil
}

// Authenticate validates a bearer token and loads its principal from the
// table named by the role claim.
func (s *Service) Authenticate(ctx context.Context, token string) (AuthContext, error) {
	if token == "" {
		return AuthContext{}, &Error{Code: CodeTokenMissing, Message: MsgLoginAgain}
	}
	claims, err := s.tokens.Parse(token)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			return AuthContext{}, &Error{Code: CodeTokenExpired, Message: MsgLoginAgain, Err: err}
		}
		return AuthContext{}, &Error{Code: CodeTokenInvalid, Message: MsgLoginAgain, Err: err}
	}
	if claims.Subject == "" {
		return AuthContext{}, &Error{Code: CodeTokenInvalid, Message: MsgLoginAgain, Err: errors.New("missing subject")}
	}

	principal, err := s.principalFor(ctx, claims)
	if err != nil {
		return AuthContext{}, err
	}
	return AuthContext{Principal: principal, Role: claims.Role, Claims: claims}, nil
}

func (s *Service) principalFor(ctx context.Context, claims *auth.Claims) (Principal, error) {
	if claims.Role == RoleStudent {
		student, err := s.store.StudentByID(ctx, claims.Subject)
		if errors.Is(err, repository.ErrNotFound) {
			return Principal{}, &Error{Code: CodeUnauthenticated, Message: MsgUserNotFound}
		}
		if err != nil {
			return Principal{}, Internal(err)
		}
		return StudentPrincipal(student, nil), nil
	}

	account, err := s.store.AccountByID(ctx, claims.Subject)
	if errors.Is(err, repository.ErrNotFound) {
		return Principal{}, &Error{Code: CodeUnauthenticated, Message: MsgUserNotFound}
	}
	if err != nil {
		return Principal{}, Internal(err)
	}
	return AccountPrincipal(account), nil
}

// Refresh reissues an account holder's token with the same role and identity
// claims. Tokens expired for less than grace are still accepted.
func (s *Service) Refresh(ctx context.Context, token string, grace time.Duration) (Session, error) {
	if token == "" {
		return Session{}, &Error{Code: CodeTokenMissing, Message: MsgLoginAgain}
	}
	claims, err := s.tokens.ParseForRefresh(token, grace)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			return Session{}, &Error{Code: CodeTokenExpired, Message: MsgLoginAgain, Err: err}
		}
		return Session{}, &Error{Code: CodeTokenInvalid, Message: MsgLoginAgain, Err: err}
	}
	if claims.Role == RoleStudent || claims.StudentID != "" {
		role := claims.Role
		return Session{}, accessDenied([]string{RoleAdmin, RoleTeacher}, &role)
	}

	account, err := s.store.AccountByID(ctx, claims.Subject)
	if errors.Is(err, repository.ErrNotFound) {
		return Session{}, &Error{Code: CodeUnauthenticated, Message: MsgUserNotFound}
	}
	if err != nil {
		return Session{}, Internal(err)
	}

	roleClaim, err := auth.NewRoleClaim(claims.Role, claims.RoleID)
	if err != nil {
		s.logger.WithFields(logrus.Fields{"event": "refresh_without_role", "account": account.ID}).Warn("token to refresh has no role claim")
		return Session{}, &Error{Code: CodeTokenInvalid, Message: MsgLoginAgain, Err: err}
	}
	reissued, issued, err := s.tokens.Issue(auth.Identity{
		Subject:    claims.Subject,
		AccountID:  claims.AccountID,
		PersonID:   claims.PersonID,
		Email:      claims.Email,
		NationalID: claims.NationalID,
	}, roleClaim, nil)
	if err != nil {
		return Session{}, Internal(err)
	}
	s.logger.WithFields(logrus.Fields{"event": "token_refreshed", "account": account.ID, "role": claims.Role}).Info("token refreshed")
	return Session{
		Token:     reissued,
		ExpiresIn: int64(s.tokens.TTL() / time.Second),
		Principal: AccountPrincipal(account),
		Role:      claims.Role,
		Claims:    issued,
	}, nil
}

// Permissions lists the permissions attached to the caller's role. ADMIN and
// students get an empty list: ADMIN passes every check without one.
func (s *Service) Permissions(ctx context.Context, ac AuthContext) ([]PermissionDescriptor, error) {
	if ac.Role == UniversalRole || ac.Principal.Kind == KindStudent {
		return []PermissionDescriptor{}, nil
	}
	var roleID *string
	if ac.Claims != nil {
		roleID = ac.Claims.RoleID
	}
	if roleID == nil && ac.Principal.Account != nil {
		roleID = ac.Principal.Account.RoleID
	}
	if roleID == nil {
		return []PermissionDescriptor{}, nil
	}
	permissions, err := ResolvePermissions(ctx, s.store, *roleID)
	if err != nil {
		return nil, Internal(err)
	}
	return permissions, nil
}
