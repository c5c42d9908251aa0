package oracle

import (
	"errors"
	"net/http"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/genai"
)

// classifyAPIError decides whether a provider error is worth retrying.
// Rate limits and server-side failures are transient, everything else
// (bad request, auth, quota exhaustion) is permanent.
func classifyAPIError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.Code, err)
	}
	return err
}

func classifyStatus(statusCode int, err error) error {
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError:
		return err
	default:
		return backoff.Permanent(err)
	}
}
