// Package scope resolves tenant scopes: it merges request-level scope
// fields with deployment defaults, validates them, and derives the
// filter predicates and collection key the stores operate under.
package scope

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/memmesh/memmesh/pkg/models"
)

// fieldPattern is the character set allowed in any scope identifier.
var fieldPattern = regexp.MustCompile(`^[A-Za-z0-9_.:/-]+$`)

// Resolver merges request scopes with a deployment default scope and
// validates the result. It is immutable after construction and safe
// for concurrent use.
type Resolver struct {
	defaults models.Scope
}

// NewResolver creates a resolver with the given deployment defaults.
func NewResolver(defaults models.Scope) (*Resolver, error) {
	if err := validateFields(defaults); err != nil {
		return nil, err
	}
	return &Resolver{defaults: defaults}, nil
}

// Resolve merges the request scope over the defaults (request wins per
// field) and validates field contents. Identity is not required here;
// use ResolveMutating for calls that write.
func (r *Resolver) Resolve(request models.Scope) (models.Scope, error) {
	merged := r.defaults
	if request.OrgID != "" {
		merged.OrgID = request.OrgID
	}
	if request.ProjectID != "" {
		merged.ProjectID = request.ProjectID
	}
	if request.UserID != "" {
		merged.UserID = request.UserID
	}
	if request.AgentID != "" {
		merged.AgentID = request.AgentID
	}
	if request.RunID != "" {
		merged.RunID = request.RunID
	}
	if request.AppID != "" {
		merged.AppID = request.AppID
	}

	if err := validateFields(merged); err != nil {
		return models.Scope{}, err
	}
	if !merged.HasIdentity() {
		return models.Scope{}, models.NewError(models.ErrInvalidScope,
			"at least one of user_id, agent_id or run_id is required")
	}
	return merged, nil
}

// ResolveMutating is Resolve with the identity requirement made
// explicit at call sites that write. The requirement is identical
// today; the split keeps read-side relaxation possible.
func (r *Resolver) ResolveMutating(request models.Scope) (models.Scope, error) {
	return r.Resolve(request)
}

func validateFields(s models.Scope) error {
	for name, value := range s.Fields() {
		if !fieldPattern.MatchString(value) {
			return models.NewError(models.ErrInvalidScope,
				"scope field %s contains invalid characters", name).
				WithDetail("field", name)
		}
	}
	return nil
}

// CollectionKey derives a deterministic key that namespaces the
// physical vector collection when the deployment isolates per tenant.
// The key is stable across field ordering and safe for use in
// identifiers: "mem_" plus 16 hex chars.
func CollectionKey(s models.Scope) string {
	parts := []string{
		"org=" + s.OrgID,
		"project=" + s.ProjectID,
		"user=" + s.UserID,
		"agent=" + s.AgentID,
		"run=" + s.RunID,
		"app=" + s.AppID,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return "mem_" + hex.EncodeToString(sum[:8])
}
