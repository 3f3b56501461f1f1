package hook

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vnmchuo/moneta/internal/gate"
)

// WriteError maps a PreCall error to the response the caller sees. Only the
// missing identity and denial cases carry detail.
func WriteError(w http.ResponseWriter, err error) {
	status, body := errorResponse(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func errorResponse(err error) (int, gate.ErrorBody) {
	var funds *gate.InsufficientFundsError
	switch {
	case errors.As(err, &funds):
		return funds.StatusCode(), funds.Body()
	case errors.Is(err, gate.ErrMissingSubscription):
		return http.StatusBadRequest, gate.ErrorBody{
			Error:   "missing_subscription_id",
			Message: "A subscription id is required for this request.",
		}
	case errors.Is(err, gate.ErrUnknownSubscription):
		return http.StatusForbidden, gate.ErrorBody{
			Error:   "unknown_subscription",
			Message: "This subscription is not recognised.",
		}
	case errors.Is(err, gate.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, gate.ErrorBody{
			Error:   "service_unavailable",
			Message: "Please try again later.",
		}
	default:
		return http.StatusInternalServerError, gate.ErrorBody{
			Error:   "internal_error",
			Message: "Internal Server Error",
		}
	}
}
