// Package capability is the boundary to the external language-model
// capability. Every pipeline stage that needs model output goes through
// Client, which returns schema-validated structured output or fails closed;
// the pipeline never fabricates a decision from invalid output.
package capability

import (
	"context"
	"errors"
	"fmt"
)

// ErrSchemaInvalid marks capability output that failed validation after all
// retries. It is fatal for the surrounding run: no proposal is created and the
// case is left unchanged.
var ErrSchemaInvalid = errors.New("capability output failed schema validation")

// Client generates structured output conforming to the target's schema.
// Implementations must reject out-of-enumeration fields before returning.
type Client interface {
	Generate(ctx context.Context, prompt string, target Validator) error
}

// Validator is implemented by every capability payload type. Validate is
// called after unmarshalling and before the payload is used anywhere.
type Validator interface {
	Validate() error
}

// invalid wraps a validation failure so callers can errors.Is it against
// ErrSchemaInvalid.
func invalid(err error) error {
	return fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
}
