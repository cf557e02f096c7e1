package catalog

import (
	"errors"
	"time"
)

// FamilyGroup is one node in the product family hierarchy. ParentID nil means
// a root group; a ParentID pointing at a missing group is tolerated and the
// group is promoted to root.
type FamilyGroup struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	ParentID  *int64    `json:"parent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Node is a family group with its resolved children, sorted by name.
type Node struct {
	FamilyGroup
	Children []*Node `json:"children,omitempty"`
}

var (
	// ErrNotFound indicates an unknown family group id.
	ErrNotFound = errors.New("catalog: family group not found")
	// ErrInvalidHierarchy indicates a parent cycle in the stored groups.
	ErrInvalidHierarchy = errors.New("catalog: family groups contain a cycle")
	// ErrValidation indicates malformed group input.
	ErrValidation = errors.New("catalog: invalid input")
)
