package models

import "time"

// Entity is a graph node. Identity is (scope, name); names are
// normalized (lowercase, snake_case) before storage.
type Entity struct {
	Name      string    `json:"name" db:"name"`
	Type      string    `json:"type" db:"entity_type"`
	Scope     Scope     `json:"scope"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Relationship is a typed directed edge between two entities in the
// same scope. Identity is (scope, source, predicate, target).
type Relationship struct {
	Source    string    `json:"source" db:"source"`
	Predicate string    `json:"predicate" db:"predicate"`
	Target    string    `json:"target" db:"target"`
	Scope     Scope     `json:"scope"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Neighborhood is the subgraph reachable from a seed set within a
// bounded depth.
type Neighborhood struct {
	Entities      []Entity       `json:"entities"`
	Relationships []Relationship `json:"relationships"`
}

// Triple is one (source, predicate, target) extraction produced by the
// graph pass of the fact planner, before normalization.
type Triple struct {
	Source     string `json:"source"`
	SourceType string `json:"source_type,omitempty"`
	Predicate  string `json:"predicate"`
	Target     string `json:"target"`
	TargetType string `json:"target_type,omitempty"`
}
