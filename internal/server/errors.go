package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"WingLedger/internal/domain"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// CodeOf maps a domain error to its gRPC code. Caller errors (bad input,
// insufficient funds) are distinct from settlement failures, which surface as
// Aborted.
func CodeOf(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}

	// SettlementFailure wraps per-policy errors, so it goes first.
	var failure *domain.SettlementFailure
	switch {
	case errors.As(err, &failure):
		return codes.Aborted
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, errUnavailable):
		return codes.Unavailable
	case errors.Is(err, errBadRequest),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidReport),
		errors.Is(err, domain.ErrInvalidPolicy),
		errors.Is(err, domain.ErrInvalidPool):
		return codes.InvalidArgument
	case errors.Is(err, domain.ErrPoolNotFound),
		errors.Is(err, domain.ErrPolicyNotFound):
		return codes.NotFound
	case errors.Is(err, domain.ErrUnauthorized):
		return codes.PermissionDenied
	case errors.Is(err, domain.ErrInsufficientBalance),
		errors.Is(err, domain.ErrInsufficientPoolCapital),
		errors.Is(err, domain.ErrUnderfundedPool):
		return codes.FailedPrecondition
	case errors.Is(err, domain.ErrPoolExists):
		return codes.AlreadyExists
	default:
		return codes.Internal
	}
}

// toStatus converts err to a gRPC status error. Internal errors do not leak
// their message.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := CodeOf(err)
	if code == codes.Internal {
		return status.Error(code, "internal error")
	}
	return status.Error(code, err.Error())
}

type errorBody struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Detail any    `json:"detail,omitempty"`
}

// writeError writes err as JSON with the HTTP status of its gRPC code.
func writeError(w http.ResponseWriter, err error, detail any) int {
	code := CodeOf(err)
	msg := err.Error()
	if code == codes.Internal {
		msg = "internal error"
	} else if s, ok := status.FromError(err); ok {
		msg = s.Message()
	}
	httpStatus := runtime.HTTPStatusFromCode(code)
	writeJSON(w, httpStatus, errorBody{Error: msg, Code: code.String(), Detail: detail})
	return httpStatus
}

func writeJSON(w http.ResponseWriter, httpStatus int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(v)
}
