package identity

import "time"

// Profile is the principal view returned by login and /auth/profile. It has
// the same shape whichever table the principal came from.
type Profile struct {
	ID                 string  `json:"id"`
	Type               string  `json:"tipo"`
	Role               string  `json:"rol"`
	RoleID             *string `json:"rol_id"`
	PersonID           string  `json:"persona_id"`
	NationalID         string  `json:"ci"`
	FirstName          string  `json:"nombre"`
	LastName           string  `json:"apellido"`
	Email              string  `json:"email,omitempty"`
	Phone              *string `json:"celular,omitempty"`
	BirthDate          *string `json:"fecha_nacimiento,omitempty"`
	Address            *string `json:"direccion,omitempty"`
	Status             *string `json:"estado,omitempty"`
	Province           *string `json:"provincia,omitempty"`
	Photo              *string `json:"foto,omitempty"`
	MustChangePassword *bool   `json:"debe_cambiar_password,omitempty"`
}

func NewProfile(ac AuthContext) Profile {
	p := ac.Principal
	profile := Profile{
		ID:         p.ID(),
		Role:       ac.Role,
		PersonID:   p.PersonID(),
		NationalID: p.NationalID(),
		Email:      p.Email(),
	}
	if ac.Claims != nil {
		profile.RoleID = ac.Claims.RoleID
		if profile.Email == "" {
			profile.Email = ac.Claims.Email
		}
		if profile.NationalID == "" {
			profile.NationalID = ac.Claims.NationalID
		}
	}
	if person := p.Person(); person != nil {
		profile.FirstName = person.FirstName
		profile.LastName = person.LastName
		profile.Phone = person.Phone
		profile.Address = person.Address
		if person.BirthDate != nil {
			formatted := person.BirthDate.Format(time.DateOnly)
			profile.BirthDate = &formatted
		}
	}

	switch p.Kind {
	case KindStudent:
		profile.Type = "estudiante"
		if p.Student != nil {
			status := p.Student.Status
			profile.Status = &status
			profile.Province = p.Student.Province
			profile.Photo = p.Student.Photo
		}
	case KindAccount:
		profile.Type = "usuario"
		if p.Account != nil {
			mustChange := p.Account.MustChangePassword
			profile.MustChangePassword = &mustChange
			if profile.RoleID == nil {
				profile.RoleID = p.Account.RoleID
			}
		}
	}
	return profile
}

func (s Session) Profile() Profile {
	return NewProfile(AuthContext{Principal: s.Principal, Role: s.Role, Claims: s.Claims})
}
