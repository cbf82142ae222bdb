// Package idgen generates opaque, globally unique execution identifiers.
package idgen

import (
	"github.com/google/uuid"

	"github.com/bifrostrun/execengine/pkg/types"
)

// New returns a fresh execution id. Callers never parse its structure;
// it is opaque by contract.
func New() types.ExecutionID {
	return types.ExecutionID(uuid.NewString())
}
