package identity

import (
	"context"
	"errors"
	"strings"

	"icap/backend/internal/crypto"
	"icap/backend/internal/model"
	"icap/backend/internal/repository"
)

// CredentialStore answers the lookups a login needs. Every method returns
// repository.ErrNotFound when nothing matches.
type CredentialStore interface {
	AccountByEmail(ctx context.Context, email string) (model.Account, error)
	PersonByNationalID(ctx context.Context, nationalID string) (model.Person, error)
	AccountByPersonID(ctx context.Context, personID string) (model.Account, error)
	StudentByNationalID(ctx context.Context, nationalID string) (model.Student, error)
}

type IdentifierKind int

const (
	IdentifierEmail IdentifierKind = iota + 1
	IdentifierNationalID
)

func (k IdentifierKind) String() string {
	switch k {
	case IdentifierEmail:
		return "email"
	case IdentifierNationalID:
		return "ci"
	default:
		return "unknown"
	}
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func NormalizeNationalID(ci string) string {
	return strings.TrimSpace(ci)
}

// FindAccount resolves an account-holder identifier. ok is false when
// nothing matched; err is reserved for store failures.
func FindAccount(ctx context.Context, store CredentialStore, kind IdentifierKind, value string) (model.Account, bool, error) {
	switch kind {
	case IdentifierEmail:
		account, err := store.AccountByEmail(ctx, NormalizeEmail(value))
		return found(account, err)
	case IdentifierNationalID:
		person, err := store.PersonByNationalID(ctx, NormalizeNationalID(value))
		if _, ok, err := found(person, err); !ok || err != nil {
			return model.Account{}, false, err
		}
		account, err := store.AccountByPersonID(ctx, person.ID)
		if err == nil && account.Person == nil {
			account.Person = &person
		}
		return found(account, err)
	default:
		return model.Account{}, false, nil
	}
}

// FindStudent resolves a student by national id together with the account
// holding the student's password.
func FindStudent(ctx context.Context, store CredentialStore, nationalID string) (model.Student, model.Account, bool, error) {
	student, err := store.StudentByNationalID(ctx, NormalizeNationalID(nationalID))
	if _, ok, err := found(student, err); !ok || err != nil {
		return model.Student{}, model.Account{}, false, err
	}
	account, err := store.AccountByPersonID(ctx, student.PersonID)
	if _, ok, err := found(account, err); !ok || err != nil {
		return model.Student{}, model.Account{}, false, err
	}
	return student, account, true, nil
}

// verifyPassword treats a missing record exactly like a wrong password: both
// cost one bcrypt comparison and both yield invalid credentials.
func verifyPassword(ok bool, hash, password string) error {
	if !ok {
		crypto.BurnPasswordCheck(password)
		return invalidCredentials()
	}
	if err := crypto.CheckPassword(hash, password); err != nil {
		return invalidCredentials()
	}
	return nil
}

func found[T any](value T, err error) (T, bool, error) {
	if err == nil {
		return value, true, nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		return value, false, nil
	}
	return value, false, err
}
