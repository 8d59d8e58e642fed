package history

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validator returns the shared struct validator.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ValidateStruct validates v with its `validate` tags and folds the field
// errors into a single ErrInvalidArgument error.
func ValidateStruct(v any) error {
	err := Validator().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidArgument, strings.Join(msgs, "; "))
}

// Validate checks the device context fields.
func (d DeviceContext) Validate() error {
	return ValidateStruct(d)
}

// Validate checks the structural invariants of an event before it is
// recorded.
func (e *ChangeEvent) Validate() error {
	switch {
	case e == nil:
		return fmt.Errorf("%w: nil change event", ErrInvalidArgument)
	case e.ID == "":
		return fmt.Errorf("%w: change event without id", ErrInvalidArgument)
	case e.ContextKey == "":
		return fmt.Errorf("%w: change event %s without context key", ErrInvalidArgument, e.ID)
	case e.Operation == nil:
		return fmt.Errorf("%w: change event %s without operation type", ErrInvalidArgument, e.ID)
	case e.Timestamp.IsZero():
		return fmt.Errorf("%w: change event %s without timestamp", ErrInvalidArgument, e.ID)
	}
	if IsRowLevel(e.Operation) && len(e.Changes) == 0 {
		return fmt.Errorf("%w: %s event %s has no field changes", ErrInvalidArgument, e.Operation.Kind(), e.ID)
	}
	return nil
}
