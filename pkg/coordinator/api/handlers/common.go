package handlers

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/0xHecker/omni-stream/pkg/coordinator/api/middleware"
	"github.com/0xHecker/omni-stream/pkg/coordinator/models"
	"github.com/0xHecker/omni-stream/pkg/coordinator/passcode"
	"github.com/0xHecker/omni-stream/pkg/coordinator/transfers"
)

var validate = validator.New()

// decodeJSON parses and validates a request body. Returns false after
// writing the problem response.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		BadRequest(w, "Invalid JSON body")
		return false
	}
	if err := validate.Struct(v); err != nil {
		UnprocessableEntity(w, err.Error())
		return false
	}
	return true
}

// clientIP strips the port from RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// actorFromRequest builds the audit-carrying actor for transfer calls.
// Must run behind BearerAuth.
func actorFromRequest(r *http.Request) transfers.Actor {
	auth := middleware.GetAuthContext(r.Context())
	actor := transfers.Actor{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}
	if auth != nil {
		actor.PrincipalID = auth.PrincipalID
		actor.ClientDeviceID = auth.ClientDeviceID
	}
	return actor
}

// writeDomainError maps service errors onto the problem taxonomy.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrPrincipalNotFound),
		errors.Is(err, models.ErrDeviceNotFound),
		errors.Is(err, models.ErrShareNotFound),
		errors.Is(err, models.ErrTransferNotFound),
		errors.Is(err, models.ErrPairingNotFound),
		errors.Is(err, models.ErrGrantNotFound):
		NotFound(w, err.Error())
	case errors.Is(err, models.ErrPermissionDenied),
		errors.Is(err, transfers.ErrNotAccessible),
		errors.Is(err, transfers.ErrSenderOnly),
		errors.Is(err, transfers.ErrReceiverOwnerOnly):
		Forbidden(w, err.Error())
	case errors.Is(err, transfers.ErrNotPending),
		errors.Is(err, transfers.ErrNotReady),
		errors.Is(err, passcode.ErrNotConfigured):
		Conflict(w, err.Error())
	case errors.Is(err, transfers.ErrBadItemState),
		errors.Is(err, passcode.ErrBadFormat):
		UnprocessableEntity(w, err.Error())
	case errors.Is(err, passcode.ErrExpired):
		Gone(w, err.Error())
	case errors.Is(err, passcode.ErrLocked):
		TooManyRequests(w, err.Error())
	case errors.Is(err, passcode.ErrInvalid):
		Unauthorized(w, err.Error())
	default:
		InternalServerError(w, "Internal error")
	}
}
