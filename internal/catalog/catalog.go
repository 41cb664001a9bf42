// Package catalog lists the permission names route groups check against.
// A permission name is "<module>.<action>"; roles receive them through the
// rol_permiso table.
package catalog

import (
	"strings"

	"github.com/google/uuid"

	"icap/backend/internal/model"
)

type Entry struct {
	Name        string
	Module      string
	Action      string
	Description string
}

const (
	StudentsView   = "estudiantes.ver"
	StudentsCreate = "estudiantes.crear"
	StudentsEdit   = "estudiantes.editar"
	StudentsDelete = "estudiantes.eliminar"

	GradesView = "notas.ver"
	GradesEdit = "notas.editar"

	EnrollmentsView   = "inscripciones.ver"
	EnrollmentsCreate = "inscripciones.crear"

	PaymentsView    = "pagos.ver"
	PaymentsCollect = "pagos.cobrar"

	ProgramsView = "programas.ver"
	ProgramsEdit = "programas.editar"

	RolesView = "roles.ver"
	RolesEdit = "roles.editar"

	ReportsView = "reportes.ver"
)

var entries = []Entry{
	{StudentsView, "estudiantes", "ver", "Ver estudiantes"},
	{StudentsCreate, "estudiantes", "crear", "Registrar estudiantes"},
	{StudentsEdit, "estudiantes", "editar", "Editar estudiantes"},
	{StudentsDelete, "estudiantes", "eliminar", "Eliminar estudiantes"},
	{GradesView, "notas", "ver", "Ver notas"},
	{GradesEdit, "notas", "editar", "Registrar y editar notas"},
	{EnrollmentsView, "inscripciones", "ver", "Ver inscripciones"},
	{EnrollmentsCreate, "inscripciones", "crear", "Inscribir estudiantes"},
	{PaymentsView, "pagos", "ver", "Ver pagos"},
	{PaymentsCollect, "pagos", "cobrar", "Registrar cobros"},
	{ProgramsView, "programas", "ver", "Ver programas"},
	{ProgramsEdit, "programas", "editar", "Editar programas"},
	{RolesView, "roles", "ver", "Ver roles y permisos"},
	{RolesEdit, "roles", "editar", "Editar roles y permisos"},
	{ReportsView, "reportes", "ver", "Ver reportes"},
}

func All() []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

func Lookup(name string) (Entry, bool) {
	for _, entry := range entries {
		if entry.Name == name {
			return entry, true
		}
	}
	return Entry{}, false
}

// Name builds a permission name from its module and action.
func Name(module, action string) string {
	return strings.ToLower(strings.TrimSpace(module)) + "." + strings.ToLower(strings.TrimSpace(action))
}

// Permissions returns the catalog as permission rows. Ids are derived from the
// name so every deployment seeds the same ids.
func Permissions() []model.Permission {
	out := make([]model.Permission, 0, len(entries))
	for _, entry := range entries {
		description := entry.Description
		out = append(out, model.Permission{
			ID:          uuid.NewSHA1(uuid.NameSpaceURL, []byte("icap:permiso:"+entry.Name)).String(),
			Name:        entry.Name,
			Module:      entry.Module,
			Action:      entry.Action,
			Description: &description,
		})
	}
	return out
}
