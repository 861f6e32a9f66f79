// Package repository gives read access to the milter configuration.
package repository

import (
	"context"
	"errors"

	"github.com/d--j/go-disclaimr/model"
)

// ErrNotFound is returned when an entity does not exist.
var ErrNotFound = errors.New("repository: not found")

// Repository is the read-only configuration store.
//
// Rule returns rules with their ActionIDs ordered by action position (and ID).
// RequirementNetworks only lists enabled requirements whose rule has at least one enabled action.
type Repository interface {
	RequirementNetworks(ctx context.Context) ([]model.RequirementNetwork, error)
	Requirement(ctx context.Context, id int64) (*model.Requirement, error)
	Rule(ctx context.Context, id int64) (*model.Rule, error)
	Action(ctx context.Context, id int64) (*model.Action, error)
	Disclaimer(ctx context.Context, id int64) (*model.Disclaimer, error)
	DirectoryServer(ctx context.Context, id int64) (*model.DirectoryServer, error)
}
