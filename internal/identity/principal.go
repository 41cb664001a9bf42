// Package identity turns credentials and bearer tokens into principals and
// decides what those principals may do.
//
// A principal is either a student (estudiantes table) or an account holder
// (usuarios table, teachers and admins). One token format covers both: the
// "rol" claim says which table the subject lives in, so a request is never
// routed by guessing which table happens to contain the id.
package identity

import (
	"context"

	"icap/backend/internal/auth"
	"icap/backend/internal/model"
)

const (
	RoleStudent = "STUDENT"
	RoleTeacher = "DOCENTE"
	RoleAdmin   = "ADMIN"
)

// UniversalRole bypasses permission checks.
const UniversalRole = RoleAdmin

type Kind string

const (
	KindStudent Kind = "student"
	KindAccount Kind = "account"
)

// Principal is a tagged union: Kind says whether Student or Account is the
// identity. A student principal may also carry its credential Account.
type Principal struct {
	Kind    Kind
	Student *model.Student
	Account *model.Account
}

func StudentPrincipal(student model.Student, account *model.Account) Principal {
	return Principal{Kind: KindStudent, Student: &student, Account: account}
}

func AccountPrincipal(account model.Account) Principal {
	return Principal{Kind: KindAccount, Account: &account}
}

func (p Principal) IsZero() bool {
	return p.Kind == "" || (p.Student == nil && p.Account == nil)
}

// ID is the token subject: the student id for students, the account id otherwise.
func (p Principal) ID() string {
	switch p.Kind {
	case KindStudent:
		if p.Student != nil {
			return p.Student.ID
		}
	case KindAccount:
		if p.Account != nil {
			return p.Account.ID
		}
	}
	return ""
}

func (p Principal) Person() *model.Person {
	if p.Kind == KindStudent && p.Student != nil && p.Student.Person != nil {
		return p.Student.Person
	}
	if p.Account != nil {
		return p.Account.Person
	}
	return nil
}

func (p Principal) PersonID() string {
	if p.Kind == KindStudent && p.Student != nil {
		return p.Student.PersonID
	}
	if p.Account != nil {
		return p.Account.PersonID
	}
	return ""
}

func (p Principal) Email() string {
	if p.Account != nil {
		return p.Account.Email
	}
	return ""
}

func (p Principal) NationalID() string {
	if person := p.Person(); person != nil {
		return person.NationalID
	}
	return ""
}

// TokenIdentity lists the identifiers written into this principal's token.
func (p Principal) TokenIdentity() auth.Identity {
	id := auth.Identity{
		Subject:    p.ID(),
		PersonID:   p.PersonID(),
		Email:      p.Email(),
		NationalID: p.NationalID(),
	}
	if p.Kind == KindStudent {
		id.StudentID = p.ID()
	} else {
		id.AccountID = p.ID()
	}
	return id
}

// AuthContext is what the auth middleware hands to downstream handlers. It is
// passed by value and never mutated after it is attached.
type AuthContext struct {
	Principal Principal
	Role      string
	Claims    *auth.Claims
}

type authContextKey struct{}

func WithAuth(ctx context.Context, ac AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, ac)
}

func FromContext(ctx context.Context) (AuthContext, bool) {
	ac, ok := ctx.Value(authContextKey{}).(AuthContext)
	if !ok || ac.Principal.IsZero() {
		return AuthContext{}, false
	}
	return ac, true
}
