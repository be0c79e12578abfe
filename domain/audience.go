package domain

// AudienceKind discriminates the audience union.
type AudienceKind string

const (
	AudiencePublic AudienceKind = "public"
	AudienceUsers  AudienceKind = "users"
	AudienceRoles  AudienceKind = "roles"
)

// Audience is the addressing rule of an event: everyone, a non-empty set of
// users, or a non-empty set of roles. Exactly one variant applies, selected
// by Kind; a public audience ignores any user or role sets also present.
type Audience struct {
	Kind  AudienceKind `json:"kind"`
	Users []string     `json:"users,omitempty"`
	Roles []string     `json:"roles,omitempty"`
}

// PublicAudience addresses every live connection.
func PublicAudience() Audience {
	return Audience{Kind: AudiencePublic}
}

// UserAudience addresses the connections of the given users.
func UserAudience(users ...string) Audience {
	return Audience{Kind: AudienceUsers, Users: users}
}

// RoleAudience addresses the connections carrying any of the given roles.
func RoleAudience(roles ...string) Audience {
	return Audience{Kind: AudienceRoles, Roles: roles}
}

// Validate rejects audiences that could never reach anyone. An event with no
// reachable audience is a validation error, not a silently undeliverable
// record.
func (a Audience) Validate() error {
	switch a.Kind {
	case AudiencePublic:
		return nil
	case AudienceUsers:
		if len(a.Users) == 0 {
			return &ValidationError{Reason: "users audience requires at least one user id"}
		}
		for _, u := range a.Users {
			if u == "" {
				return &ValidationError{Reason: "users audience contains an empty user id"}
			}
		}
		return nil
	case AudienceRoles:
		if len(a.Roles) == 0 {
			return &ValidationError{Reason: "roles audience requires at least one role"}
		}
		for _, r := range a.Roles {
			if r == "" {
				return &ValidationError{Reason: "roles audience contains an empty role"}
			}
		}
		return nil
	case "":
		return &ValidationError{Reason: "audience is required"}
	}
	return &ValidationError{Reason: "unknown audience kind " + string(a.Kind)}
}
