package identity

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"
)

// RequireRole checks the role carried by the token against allowed.
func RequireRole(ac AuthContext, allowed []string) error {
	if ac.Principal.IsZero() {
		return &Error{Code: CodeUnauthenticated, Message: MsgLoginAgain}
	}
	role := ac.Role
	if ac.Claims != nil && ac.Claims.Role != "" {
		role = ac.Claims.Role
	}
	if containsString(allowed, role) {
		return nil
	}
	var actual *string
	if role != "" {
		actual = &role
	}
	return accessDenied(allowed, actual)
}

type Authorizer struct {
	roles      RoleStore
	strategies []RoleStrategy
	logger     logrus.FieldLogger
}

func NewAuthorizer(roles RoleStore, logger logrus.FieldLogger) *Authorizer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Authorizer{roles: roles, strategies: DefaultRoleStrategies, logger: logger}
}

// RequirePermission passes when the principal holds any permission in anyOf.
// The universal role passes without loading permissions. The returned
// AuthContext carries the resolved role.
func (a *Authorizer) RequirePermission(ctx context.Context, ac AuthContext, anyOf []string) (AuthContext, error) {
	if ac.Principal.IsZero() {
		return AuthContext{}, &Error{Code: CodeUnauthenticated, Message: MsgLoginAgain}
	}

	role, roleID, via, err := ResolveRoleChain(ctx, RoleInput{
		Claims:    ac.Claims,
		Principal: ac.Principal,
		LoadRole:  a.roles.RoleByID,
	}, a.strategies)
	if err != nil {
		return AuthContext{}, Internal(err)
	}
	if via == "principal_kind" {
		a.logger.WithFields(logrus.Fields{
			"event":     "role_fallback_by_kind",
			"principal": ac.Principal.ID(),
			"kind":      ac.Principal.Kind,
			"role":      role,
		}).Warn("role inferred from principal kind")
	}
	ac.Role = role

	if role == UniversalRole {
		return ac, nil
	}

	var held []PermissionDescriptor
	if roleID != nil && *roleID != "" {
		held, err = ResolvePermissions(ctx, a.roles, *roleID)
		if err != nil {
			return AuthContext{}, Internal(err)
		}
	}

	heldNames := make([]string, 0, len(held))
	for _, permission := range held {
		heldNames = append(heldNames, permission.Name)
		if containsString(anyOf, permission.Name) {
			return ac, nil
		}
	}
	sort.Strings(heldNames)

	return AuthContext{}, &Error{
		Code:    CodePermissionDenied,
		Message: MsgPermissionDenied,
		Details: map[string]interface{}{
			"requested_permissions": anyOf,
			"current_role":          role,
			"held_permissions":      heldNames,
		},
	}
}
