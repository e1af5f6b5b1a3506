package jobs

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var (
	ErrNotFound  = errors.New("job not found")
	ErrQueueFull = errors.New("job queue is full")
	ErrStopped   = errors.New("job manager is stopped")

	// errNoOutput is reported when the editor returned without writing an
	// output image.
	errNoOutput = errors.New("no output image")
)

const (
	MsgNoImage   = "Please upload an image first"
	MsgNoPrompts = "Please provide both neutral and target prompts"
)

// ValidationError is returned synchronously by Submit. Message is shown to
// the user as-is.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func fromValidator(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		msg := fmt.Sprintf("%s failed on '%s' validation", fe.Field(), fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("%s failed on '%s=%s' validation", fe.Field(), fe.Tag(), fe.Param())
		}
		return &ValidationError{Field: fe.Field(), Message: msg}
	}
	return err
}
