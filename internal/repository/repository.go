package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"icap/backend/internal/db"
	"icap/backend/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

const uniqueViolation = "23505"

// ConflictError names the unique constraint a write collided with.
type ConflictError struct {
	Constraint string
}

func (e *ConflictError) Error() string {
	return "conflict on " + e.Constraint
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const personColumns = `p.id, p.ci, p.nombre, p.apellido, p.celular, p.fecha_nacimiento, p.direccion, p.created_at, p.updated_at`

const accountSelect = `
  SELECT u.id, u.email, u.password_hash, u.debe_cambiar_password, u.persona_id, u.rol_id, u.created_at, u.updated_at,
         r.id, r.nombre, r.descripcion,
         ` + personColumns + `
  FROM usuarios u
  JOIN personas p ON p.id = u.persona_id
  LEFT JOIN roles r ON r.id = u.rol_id
`

const studentSelect = `
  SELECT e.id, e.persona_id, e.estado, e.provincia, e.foto, e.created_at, e.updated_at,
         ` + personColumns + `
  FROM estudiantes e
  JOIN personas p ON p.id = e.persona_id
`

func (s *Store) AccountByEmail(ctx context.Context, email string) (model.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx, accountSelect+`WHERE u.email = $1`, email))
}

func (s *Store) AccountByID(ctx context.Context, accountID string) (model.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx, accountSelect+`WHERE u.id = $1`, accountID))
}

func (s *Store) AccountByPersonID(ctx context.Context, personID string) (model.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx, accountSelect+`WHERE u.persona_id = $1`, personID))
}

func (s *Store) PersonByNationalID(ctx context.Context, nationalID string) (model.Person, error) {
	var person model.Person
	row := s.pool.QueryRow(ctx, `SELECT `+personColumns+` FROM personas p WHERE p.ci = $1`, nationalID)
	err := row.Scan(
		&person.ID,
		&person.NationalID,
		&person.FirstName,
		&person.LastName,
		&person.Phone,
		&person.BirthDate,
		&person.Address,
		&person.CreatedAt,
		&person.UpdatedAt,
	)
	return person, notFound(err)
}

func (s *Store) StudentByID(ctx context.Context, studentID string) (model.Student, error) {
	return scanStudent(s.pool.QueryRow(ctx, studentSelect+`WHERE e.id = $1`, studentID))
}

func (s *Store) StudentByNationalID(ctx context.Context, nationalID string) (model.Student, error) {
	return scanStudent(s.pool.QueryRow(ctx, studentSelect+`WHERE p.ci = $1`, nationalID))
}

func (s *Store) RoleByID(ctx context.Context, roleID string) (model.Role, error) {
	var role model.Role
	row := s.pool.QueryRow(ctx, `SELECT id, nombre, descripcion FROM roles WHERE id = $1`, roleID)
	err := row.Scan(&role.ID, &role.Name, &role.Description)
	return role, notFound(err)
}

func (s *Store) RolePermissions(ctx context.Context, roleID string) ([]model.Permission, error) {
	rows, err := s.pool.Query(ctx, `
    SELECT pe.id, pe.nombre, pe.modulo, pe.accion, pe.descripcion
    FROM rol_permiso rp
    JOIN permisos pe ON pe.id = rp.permiso_id
    WHERE rp.rol_id = $1
    ORDER BY pe.modulo, pe.accion
  `, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var permissions []model.Permission
	for rows.Next() {
		var permission model.Permission
		if err := rows.Scan(&permission.ID, &permission.Name, &permission.Module, &permission.Action, &permission.Description); err != nil {
			return nil, err
		}
		permissions = append(permissions, permission)
	}
	return permissions, rows.Err()
}

func (s *Store) ListRoles(ctx context.Context) ([]model.Role, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, nombre, descripcion FROM roles ORDER BY nombre`)
	if err != nil {
		return nil, err
	}
	var roles []model.Role
	for rows.Next() {
		var role model.Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description); err != nil {
			rows.Close()
			return nil, err
		}
		roles = append(roles, role)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range roles {
		permissions, err := s.RolePermissions(ctx, roles[i].ID)
		if err != nil {
			return nil, err
		}
		roles[i].Permissions = permissions
	}
	return roles, nil
}

// SeedPermissions inserts missing permissions by name and refreshes the
// module, action and description of existing ones.
func (s *Store) SeedPermissions(ctx context.Context, permissions []model.Permission) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, permission := range permissions {
			batch.Queue(`
        INSERT INTO permisos (id, nombre, modulo, accion, descripcion)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (nombre) DO UPDATE
        SET modulo = EXCLUDED.modulo, accion = EXCLUDED.accion, descripcion = EXCLUDED.descripcion
      `, permission.ID, permission.Name, permission.Module, permission.Action, permission.Description)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RegisterStudent creates the person, the student and the student's account in
// a single transaction.
func (s *Store) RegisterStudent(ctx context.Context, person model.Person, student model.Student, account model.Account) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
      INSERT INTO personas (id, ci, nombre, apellido, celular, fecha_nacimiento, direccion, created_at, updated_at)
      VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
    `, person.ID, person.NationalID, person.FirstName, person.LastName, person.Phone, person.BirthDate, person.Address, person.CreatedAt, person.UpdatedAt); err != nil {
			return conflict(err)
		}
		if _, err := tx.Exec(ctx, `
      INSERT INTO estudiantes (id, persona_id, estado, provincia, foto, created_at, updated_at)
      VALUES ($1, $2, $3, $4, $5, $6, $7)
    `, student.ID, student.PersonID, student.Status, student.Province, student.Photo, student.CreatedAt, student.UpdatedAt); err != nil {
			return conflict(err)
		}
		if _, err := tx.Exec(ctx, `
      INSERT INTO usuarios (id, email, password_hash, debe_cambiar_password, persona_id, rol_id, created_at, updated_at)
      VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
    `, account.ID, account.Email, account.PasswordHash, account.MustChangePassword, account.PersonID, account.RoleID, account.CreatedAt, account.UpdatedAt); err != nil {
			return conflict(err)
		}
		return nil
	})
}

func scanAccount(row pgx.Row) (model.Account, error) {
	var (
		account  model.Account
		person   model.Person
		roleID   *string
		roleName *string
		roleDesc *string
	)
	err := row.Scan(
		&account.ID,
		&account.Email,
		&account.PasswordHash,
		&account.MustChangePassword,
		&account.PersonID,
		&account.RoleID,
		&account.CreatedAt,
		&account.UpdatedAt,
		&roleID,
		&roleName,
		&roleDesc,
		&person.ID,
		&person.NationalID,
		&person.FirstName,
		&person.LastName,
		&person.Phone,
		&person.BirthDate,
		&person.Address,
		&person.CreatedAt,
		&person.UpdatedAt,
	)
	if err != nil {
		return model.Account{}, notFound(err)
	}
	account.Person = &person
	if roleID != nil && roleName != nil {
		account.Role = &model.Role{ID: *roleID, Name: *roleName, Description: roleDesc}
	}
	return account, nil
}

func scanStudent(row pgx.Row) (model.Student, error) {
	var (
		student model.Student
		person  model.Person
	)
	err := row.Scan(
		&student.ID,
		&student.PersonID,
		&student.Status,
		&student.Province,
		&student.Photo,
		&student.CreatedAt,
		&student.UpdatedAt,
		&person.ID,
		&person.NationalID,
		&person.FirstName,
		&person.LastName,
		&person.Phone,
		&person.BirthDate,
		&person.Address,
		&person.CreatedAt,
		&person.UpdatedAt,
	)
	if err != nil {
		return model.Student{}, notFound(err)
	}
	student.Person = &person
	return student, nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func conflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return &ConflictError{Constraint: strings.TrimSpace(pgErr.ConstraintName)}
	}
	return err
}
