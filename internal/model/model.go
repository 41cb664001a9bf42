package model

import "time"

type Person struct {
	ID         string
	NationalID string
	FirstName  string
	LastName   string
	Phone      *string
	BirthDate  *time.Time
	Address    *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Student struct {
	ID        string
	PersonID  string
	Status    string
	Province  *string
	Photo     *string
	CreatedAt time.Time
	UpdatedAt time.Time

	Person *Person
}

// Account is the login record ("usuario") shared by teachers and admins.
// Students also own one, linked through their Person.
type Account struct {
	ID                 string
	Email              string
	PasswordHash       string
	MustChangePassword bool
	PersonID           string
	RoleID             *string
	CreatedAt          time.Time
	UpdatedAt          time.Time

	Person *Person
	Role   *Role
}

type Role struct {
	ID          string
	Name        string
	Description *string

	Permissions []Permission
}

type Permission struct {
	ID          string
	Name        string
	Module      string
	Action      string
	Description *string
}

const (
	StudentStatusActive   = "activo"
	StudentStatusInactive = "inactivo"
)
