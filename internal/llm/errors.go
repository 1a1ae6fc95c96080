package llm

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genai"
)

// ProviderError describes a failed backend request. Status is the HTTP
// status code, or zero when the request never got a response.
type ProviderError struct {
	Status  int
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("transport error: %s", e.Message)
	}
	return fmt.Sprintf("provider error %d: %s", e.Status, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Transient reports whether another credential might succeed where this
// one failed: transport failures, rate limiting and overload.
func (e *ProviderError) Transient() bool {
	switch e.Status {
	case 0, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	}
	return false
}

// Classify normalizes any backend error into a *ProviderError. Errors
// carrying an HTTP status keep it; everything else is treated as a
// transport failure. Classify returns nil for a nil error.
func Classify(err error) *ProviderError {
	if err == nil {
		return nil
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{
			Status:  apiErr.Code,
			Message: apiMessage(apiErr),
			Err:     err,
		}
	}

	return &ProviderError{Message: err.Error(), Err: err}
}

// apiMessage picks the most useful human-readable detail from an API
// error, falling back to the status text.
func apiMessage(e genai.APIError) string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Status != "":
		return e.Status
	case http.StatusText(e.Code) != "":
		return http.StatusText(e.Code)
	}
	return fmt.Sprintf("status %d", e.Code)
}
