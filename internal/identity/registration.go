package identity

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"icap/backend/internal/crypto"
	"icap/backend/internal/model"
	"icap/backend/internal/repository"
)

const (
	minPasswordLength = 8
	minNationalIDLen  = 5
	maxNationalIDLen  = 15
)

// Registration is a student's self-registration request.
type Registration struct {
	NationalID           string
	FirstName            string
	LastName             string
	Email                string
	Phone                string
	BirthDate            string
	Address              string
	Province             string
	Password             string
	PasswordConfirmation string
}

// Validate returns field errors keyed by request field name, or nil.
func (r *Registration) Validate() map[string]string {
	r.NationalID = NormalizeNationalID(r.NationalID)
	r.FirstName = strings.TrimSpace(r.FirstName)
	r.LastName = strings.TrimSpace(r.LastName)
	r.Email = NormalizeEmail(r.Email)
	r.Phone = strings.TrimSpace(r.Phone)
	r.BirthDate = strings.TrimSpace(r.BirthDate)
	r.Address = strings.TrimSpace(r.Address)
	r.Province = strings.TrimSpace(r.Province)

	fields := map[string]string{}
	switch {
	case r.NationalID == "":
		fields["ci"] = "El CI es obligatorio."
	case !isDigits(r.NationalID) || len(r.NationalID) < minNationalIDLen || len(r.NationalID) > maxNationalIDLen:
		fields["ci"] = "El CI debe tener entre 5 y 15 dígitos."
	}
	if r.FirstName == "" {
		fields["nombre"] = "El nombre es obligatorio."
	}
	if r.LastName == "" {
		fields["apellido"] = "El apellido es obligatorio."
	}
	if r.Email != "" {
		if _, err := mail.ParseAddress(r.Email); err != nil {
			fields["email"] = "El email no es válido."
		}
	}
	if r.BirthDate != "" {
		if _, err := time.Parse("2006-01-02", r.BirthDate); err != nil {
			fields["fecha_nacimiento"] = "La fecha de nacimiento debe tener el formato AAAA-MM-DD."
		}
	}
	switch {
	case r.Password == "":
		fields["password"] = "La contraseña es obligatoria."
	case !strongEnough(r.Password):
		fields["password"] = "La contraseña debe tener al menos 8 caracteres, una letra y un número."
	case r.Password != r.PasswordConfirmation:
		fields["password_confirmation"] = "La confirmación no coincide con la contraseña."
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// RegisterStudent creates person, student and account together and signs the
// new student in.
func (s *Service) RegisterStudent(ctx context.Context, reg Registration) (Session, error) {
	if fields := reg.Validate(); fields != nil {
		return Session{}, ValidationFailed(fields)
	}

	hash, err := crypto.HashPassword(reg.Password)
	if err != nil {
		return Session{}, Internal(err)
	}

	now := s.now().UTC()
	person := model.Person{
		ID:         uuid.NewString(),
		NationalID: reg.NationalID,
		FirstName:  reg.FirstName,
		LastName:   reg.LastName,
		Phone:      optional(reg.Phone),
		Address:    optional(reg.Address),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if reg.BirthDate != "" {
		birth, _ := time.Parse("2006-01-02", reg.BirthDate)
		person.BirthDate = &birth
	}
	student := model.Student{
		ID:        uuid.NewString(),
		PersonID:  person.ID,
		Status:    model.StudentStatusActive,
		Province:  optional(reg.Province),
		CreatedAt: now,
		UpdatedAt: now,
		Person:    &person,
	}
	email := reg.Email
	if email == "" {
		// Accounts need a unique email; students registering without one get
		// a placeholder derived from their CI.
		email = reg.NationalID + "@estudiantes.local"
	}
	account := model.Account{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		PersonID:     person.ID,
		CreatedAt:    now,
		UpdatedAt:    now,
		Person:       &person,
	}

	if err := s.store.RegisterStudent(ctx, person, student, account); err != nil {
		var conflict *repository.ConflictError
		if errors.As(err, &conflict) {
			return Session{}, ValidationFailed(conflictField(conflict.Constraint))
		}
		s.logger.WithError(err).WithField("ci", reg.NationalID).Error("student registration failed")
		return Session{}, Internal(err)
	}

	session, err := s.issue(StudentPrincipal(student, &account), RoleStudent, nil, map[string]interface{}{"portal": StudentPortal.Name})
	if err != nil {
		return Session{}, err
	}
	s.logger.WithFields(logrus.Fields{"event": "student_registered", "student": student.ID}).Info("student registered")
	return session, nil
}

func conflictField(constraint string) map[string]string {
	switch {
	case strings.Contains(constraint, "email"):
		return map[string]string{"email": "El email ya está registrado."}
	default:
		return map[string]string{"ci": "El CI ya está registrado."}
	}
}

func strongEnough(password string) bool {
	if len(password) < minPasswordLength {
		return false
	}
	var letter, digit bool
	for _, r := range password {
		switch {
		case unicode.IsLetter(r):
			letter = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	return letter && digit
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return value != ""
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
