// Package identitytest provides an in-memory identity.Store for tests.
package identitytest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"icap/backend/internal/crypto"
	"icap/backend/internal/model"
	"icap/backend/internal/repository"
)

type Store struct {
	mu          sync.Mutex
	persons     map[string]model.Person
	students    map[string]model.Student
	accounts    map[string]model.Account
	roles       map[string]model.Role
	permissions map[string][]model.Permission

	// Err, when set, is returned by every read.
	Err error
	// PermissionLoads counts RolePermissions calls.
	PermissionLoads int
}

func NewStore() *Store {
	return &Store{
		persons:     map[string]model.Person{},
		students:    map[string]model.Student{},
		accounts:    map[string]model.Account{},
		roles:       map[string]model.Role{},
		permissions: map[string][]model.Permission{},
	}
}

func (s *Store) AddRole(name string, permissionNames ...string) model.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	role := model.Role{ID: uuid.NewString(), Name: name}
	s.roles[role.ID] = role
	for _, permissionName := range permissionNames {
		module, action, _ := strings.Cut(permissionName, ".")
		s.permissions[role.ID] = append(s.permissions[role.ID], model.Permission{
			ID:     uuid.NewString(),
			Name:   permissionName,
			Module: module,
			Action: action,
		})
	}
	return role
}

func (s *Store) AddPerson(nationalID, firstName, lastName string) model.Person {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	person := model.Person{
		ID:         uuid.NewString(),
		NationalID: nationalID,
		FirstName:  firstName,
		LastName:   lastName,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.persons[person.ID] = person
	return person
}

// AddAccount stores an account for person with a bcrypt hash of password.
// role may be nil.
func (s *Store) AddAccount(person model.Person, email, password string, role *model.Role) model.Account {
	hash, err := crypto.HashPassword(password)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	account := model.Account{
		ID:           uuid.NewString(),
		Email:        strings.ToLower(email),
		PasswordHash: hash,
		PersonID:     person.ID,
	}
	if role != nil {
		id := role.ID
		account.RoleID = &id
	}
	s.accounts[account.ID] = account
	return s.hydrateAccount(account)
}

func (s *Store) AddStudent(person model.Person) model.Student {
	s.mu.Lock()
	defer s.mu.Unlock()
	student := model.Student{ID: uuid.NewString(), PersonID: person.ID, Status: model.StudentStatusActive}
	s.students[student.ID] = student
	return s.hydrateStudent(student)
}

func (s *Store) DeleteAccount(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, accountID)
}

func (s *Store) DeleteStudent(studentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.students, studentID)
}

// PermissionLoadCount reads PermissionLoads under the store lock.
func (s *Store) PermissionLoadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PermissionLoads
}

func (s *Store) AccountByEmail(_ context.Context, email string) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return model.Account{}, s.Err
	}
	for _, account := range s.accounts {
		if account.Email == email {
			return s.hydrateAccount(account), nil
		}
	}
	return model.Account{}, repository.ErrNotFound
}

func (s *Store) AccountByID(_ context.Context, accountID string) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return model.Account{}, s.Err
	}
	account, ok := s.accounts[accountID]
	if !ok {
		return model.Account{}, repository.ErrNotFound
	}
	return s.hydrateAccount(account), nil
}

func (s *Store) AccountByPersonID(_ context.Context, personID string) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return model.Account{}, s.Err
	}
	for _, account := range s.accounts {
		if account.PersonID == personID {
			return s.hydrateAccount(account), nil
		}
	}
	return model.Account{}, repository.ErrNotFound
}

func (s *Store) PersonByNationalID(_ context.Context, nationalID string) (model.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return model.Person{}, s.Err
	}
	for _, person := range s.persons {
		if person.NationalID == nationalID {
			return person, nil
		}
	}
	return model.Person{}, repository.ErrNotFound
}

func (s *Store) StudentByID(_ context.Context, studentID string) (model.Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return model.Student{}, s.Err
	}
	// estudiantes.id is a UUID column; Postgres rejects anything else.
	if _, err := uuid.Parse(studentID); err != nil {
		return model.Student{}, fmt.Errorf("invalid input syntax for type uuid: %q", studentID)
	}
	student, ok := s.students[studentID]
	if !ok {
		return model.Student{}, repository.ErrNotFound
	}
	return s.hydrateStudent(student), nil
}

func (s *Store) StudentByNationalID(_ context.Context, nationalID string) (model.Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return model.Student{}, s.Err
	}
	for _, student := range s.students {
		if s.persons[student.PersonID].NationalID == nationalID {
			return s.hydrateStudent(student), nil
		}
	}
	return model.Student{}, repository.ErrNotFound
}

func (s *Store) RoleByID(_ context.Context, roleID string) (model.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return model.Role{}, s.Err
	}
	role, ok := s.roles[roleID]
	if !ok {
		return model.Role{}, repository.ErrNotFound
	}
	return role, nil
}

func (s *Store) RolePermissions(_ context.Context, roleID string) ([]model.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PermissionLoads++
	if s.Err != nil {
		return nil, s.Err
	}
	return append([]model.Permission(nil), s.permissions[roleID]...), nil
}

func (s *Store) ListRoles(_ context.Context) ([]model.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	roles := make([]model.Role, 0, len(s.roles))
	for _, role := range s.roles {
		role.Permissions = append([]model.Permission(nil), s.permissions[role.ID]...)
		roles = append(roles, role)
	}
	return roles, nil
}

func (s *Store) RegisterStudent(_ context.Context, person model.Person, student model.Student, account model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	for _, existing := range s.persons {
		if existing.NationalID == person.NationalID {
			return &repository.ConflictError{Constraint: "personas_ci_key"}
		}
	}
	for _, existing := range s.accounts {
		if existing.Email == account.Email {
			return &repository.ConflictError{Constraint: "usuarios_email_key"}
		}
	}
	person.CreatedAt, person.UpdatedAt = time.Now().UTC(), time.Now().UTC()
	student.Person, account.Person, account.Role = nil, nil, nil
	s.persons[person.ID] = person
	s.students[student.ID] = student
	s.accounts[account.ID] = account
	return nil
}

func (s *Store) hydrateAccount(account model.Account) model.Account {
	if person, ok := s.persons[account.PersonID]; ok {
		account.Person = &person
	}
	if account.RoleID != nil {
		if role, ok := s.roles[*account.RoleID]; ok {
			account.Role = &role
		}
	}
	return account
}

func (s *Store) hydrateStudent(student model.Student) model.Student {
	if person, ok := s.persons[student.PersonID]; ok {
		student.Person = &person
	}
	return student
}
