package identity

import (
	"context"
	"errors"

	"icap/backend/internal/auth"
	"icap/backend/internal/model"
	"icap/backend/internal/repository"
)

// RoleInput is everything a role strategy may look at.
type RoleInput struct {
	Claims    *auth.Claims
	Principal Principal
	// LoadRole fetches a role by id; nil disables relation loading.
	LoadRole func(ctx context.Context, roleID string) (model.Role, error)
}

// RoleStrategy returns the role name and id it can determine, or ok=false to
// defer to the next strategy.
type RoleStrategy struct {
	Name    string
	Resolve func(ctx context.Context, in RoleInput) (name string, roleID *string, ok bool, err error)
}

// DefaultRoleStrategies is ordered: the token claim first, then the
// principal's role relation, then a default derived from the principal's table.
var DefaultRoleStrategies = []RoleStrategy{
	{Name: "token_claim", Resolve: roleFromClaims},
	{Name: "role_relation", Resolve: roleFromRelation},
	{Name: "principal_kind", Resolve: roleFromKind},
}

// ResolveRoleChain runs strategies in order and reports which one answered.
func ResolveRoleChain(ctx context.Context, in RoleInput, strategies []RoleStrategy) (name string, roleID *string, via string, err error) {
	for _, strategy := range strategies {
		name, roleID, ok, err := strategy.Resolve(ctx, in)
		if err != nil {
			return "", nil, strategy.Name, err
		}
		if ok {
			return name, roleID, strategy.Name, nil
		}
	}
	return "", nil, "", nil
}

func roleFromClaims(_ context.Context, in RoleInput) (string, *string, bool, error) {
	if in.Claims == nil || in.Claims.Role == "" {
		return "", nil, false, nil
	}
	return in.Claims.Role, in.Claims.RoleID, true, nil
}

func roleFromRelation(ctx context.Context, in RoleInput) (string, *string, bool, error) {
	if in.Principal.Kind != KindAccount || in.Principal.Account == nil {
		return "", nil, false, nil
	}
	if name, roleID, ok := ResolveRole(in.Principal); ok {
		return name, roleID, true, nil
	}
	account := in.Principal.Account
	if account.RoleID == nil || in.LoadRole == nil {
		return "", nil, false, nil
	}
	role, err := in.LoadRole(ctx, *account.RoleID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, err
	}
	id := role.ID
	return role.Name, &id, role.Name != "", nil
}

// roleFromKind is the last resort. Teachers are account holders in this
// store, so there is no separate teacher table to map to DOCENTE.
func roleFromKind(_ context.Context, in RoleInput) (string, *string, bool, error) {
	switch in.Principal.Kind {
	case KindStudent:
		return RoleStudent, nil, true, nil
	case KindAccount:
		return RoleAdmin, nil, true, nil
	default:
		return "", nil, false, nil
	}
}
