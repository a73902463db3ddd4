package models

import "strings"

// Scope is the tuple of tenant identifiers that namespaces all data and
// queries. Every store read and write carries a Scope; rows whose scope
// columns do not match are invisible to the caller.
type Scope struct {
	OrgID     string `json:"org_id,omitempty" db:"org_id"`
	ProjectID string `json:"project_id,omitempty" db:"project_id"`
	UserID    string `json:"user_id,omitempty" db:"user_id"`
	AgentID   string `json:"agent_id,omitempty" db:"agent_id"`
	RunID     string `json:"run_id,omitempty" db:"run_id"`
	AppID     string `json:"app_id,omitempty" db:"app_id"`
}

// HasIdentity reports whether at least one identifying field is set.
// Mutating calls require an identity; queries without one are rejected.
func (s Scope) HasIdentity() bool {
	return s.UserID != "" || s.AgentID != "" || s.RunID != ""
}

// IsZero reports whether every field is empty.
func (s Scope) IsZero() bool {
	return s == Scope{}
}

// Fields returns the non-empty scope fields as a name -> value map,
// in the column naming used by the stores.
func (s Scope) Fields() map[string]string {
	out := make(map[string]string, 6)
	for name, value := range map[string]string{
		"org_id":     s.OrgID,
		"project_id": s.ProjectID,
		"user_id":    s.UserID,
		"agent_id":   s.AgentID,
		"run_id":     s.RunID,
		"app_id":     s.AppID,
	} {
		if value != "" {
			out[name] = value
		}
	}
	return out
}

// Equal reports whether two scopes match on every field.
func (s Scope) Equal(other Scope) bool {
	return s == other
}

// String renders the scope for logging, e.g. "user_id=u1 run_id=r7".
func (s Scope) String() string {
	parts := make([]string, 0, 6)
	appendField := func(name, value string) {
		if value != "" {
			parts = append(parts, name+"="+value)
		}
	}
	appendField("org_id", s.OrgID)
	appendField("project_id", s.ProjectID)
	appendField("user_id", s.UserID)
	appendField("agent_id", s.AgentID)
	appendField("run_id", s.RunID)
	appendField("app_id", s.AppID)
	return strings.Join(parts, " ")
}
