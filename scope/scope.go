// Package scope defines the (org, user, project) tuple that gates access to
// every persisted entity in the runtime. Scope is always passed explicitly to
// repository calls; it is never derived from a prior read or cached in
// package-level state.
package scope

// Scope identifies the tenant boundary an entity belongs to. Project is
// optional: its absence is a distinct value, matched only by other scopes
// that also omit it.
type Scope struct {
	OrgID     string
	UserID    string
	ProjectID string // empty means "no project"
	hasProj   bool
}

// New constructs a Scope without a project.
func New(orgID, userID string) Scope {
	return Scope{OrgID: orgID, UserID: userID}
}

// WithProject constructs a Scope scoped additionally to a project.
func WithProject(orgID, userID, projectID string) Scope {
	return Scope{OrgID: orgID, UserID: userID, ProjectID: projectID, hasProj: true}
}

// HasProject reports whether the scope carries a project component.
func (s Scope) HasProject() bool {
	return s.hasProj
}

// Equal reports whether two scopes match exactly, treating the
// project-present/absent distinction as significant: a scope with an empty
// project only matches another scope that also has no project.
func (s Scope) Equal(other Scope) bool {
	if s.OrgID != other.OrgID || s.UserID != other.UserID {
		return false
	}
	if s.hasProj != other.hasProj {
		return false
	}
	return !s.hasProj || s.ProjectID == other.ProjectID
}

// String renders a stable, human-readable form suitable for log fields. It is
// not used for equality checks.
func (s Scope) String() string {
	if !s.hasProj {
		return s.OrgID + "/" + s.UserID
	}
	return s.OrgID + "/" + s.UserID + "/" + s.ProjectID
}
