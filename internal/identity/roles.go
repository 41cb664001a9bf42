package identity

import (
	"context"

	"icap/backend/internal/model"
)

type RoleStore interface {
	RoleByID(ctx context.Context, roleID string) (model.Role, error)
	RolePermissions(ctx context.Context, roleID string) ([]model.Permission, error)
}

type PermissionDescriptor struct {
	ID          string `json:"id"`
	Name        string `json:"nombre"`
	Module      string `json:"modulo"`
	Action      string `json:"accion"`
	Description string `json:"descripcion,omitempty"`
}

// ResolveRole returns the role name of p and, for account holders, the role id.
// ok is false when an account has no role linked; callers must reject it.
func ResolveRole(p Principal) (name string, roleID *string, ok bool) {
	switch p.Kind {
	case KindStudent:
		return RoleStudent, nil, true
	case KindAccount:
		if p.Account == nil || p.Account.Role == nil || p.Account.Role.Name == "" {
			return "", nil, false
		}
		id := p.Account.Role.ID
		return p.Account.Role.Name, &id, true
	default:
		return "", nil, false
	}
}

// ResolvePermissions loads the permission set of roleID. Callers skip it for
// the universal role.
func ResolvePermissions(ctx context.Context, store RoleStore, roleID string) ([]PermissionDescriptor, error) {
	permissions, err := store.RolePermissions(ctx, roleID)
	if err != nil {
		return nil, err
	}
	return DescribePermissions(permissions), nil
}

func DescribePermissions(permissions []model.Permission) []PermissionDescriptor {
	out := make([]PermissionDescriptor, 0, len(permissions))
	for _, permission := range permissions {
		descriptor := PermissionDescriptor{
			ID:     permission.ID,
			Name:   permission.Name,
			Module: permission.Module,
			Action: permission.Action,
		}
		if permission.Description != nil {
			descriptor.Description = *permission.Description
		}
		out = append(out, descriptor)
	}
	return out
}

// Portal is a login entry point and the roles it admits.
type Portal struct {
	Name  string
	Roles []string
}

var (
	AdminPortal   = Portal{Name: "admin", Roles: []string{RoleAdmin, RoleTeacher}}
	TeacherPortal = Portal{Name: "teacher", Roles: []string{RoleTeacher}}
	StudentPortal = Portal{Name: "student", Roles: []string{RoleStudent}}
)

func (p Portal) Admits(role string) bool {
	return containsString(p.Roles, role)
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
