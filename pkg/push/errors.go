package push

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound covers unknown queues and tokens that do not own a queue.
// The two cases are deliberately indistinguishable so an unauthorized
// token cannot probe for queue existence.
var ErrNotFound = errors.New("not found")

// ValidationError reports missing or empty required request fields.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing required fields: %s", strings.Join(e.Fields, ", "))
}

// IsValidation reports whether err is a ValidationError and returns it.
func IsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
