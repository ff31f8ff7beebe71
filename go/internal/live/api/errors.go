package api

import (
	"errors"

	"connectrpc.com/connect"
	"github.com/mcdev12/liftlive/go/internal/apperr"
)

// toConnectError maps a domain error onto a connect status code.
func toConnectError(err error) error {
	if err == nil {
		return nil
	}
	switch apperr.CodeOf(err) {
	case apperr.CodeNotFound:
		return connect.NewError(connect.CodeNotFound, err)
	case apperr.CodeInvalidState:
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case apperr.CodeSyncFailure:
		return connect.NewError(connect.CodeUnavailable, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}

// fromConnectError turns a call failure back into a domain error. Anything
// that is not a domain rejection is reported as a sync failure so callers
// may retry it.
func fromConnectError(err error) error {
	if err == nil {
		return nil
	}
	var cerr *connect.Error
	if !errors.As(err, &cerr) {
		return apperr.SyncFailure("request failed", err)
	}
	switch cerr.Code() {
	case connect.CodeNotFound:
		return apperr.Wrap(apperr.CodeNotFound, cerr.Message(), err)
	case connect.CodeFailedPrecondition, connect.CodeInvalidArgument:
		return apperr.Wrap(apperr.CodeInvalidState, cerr.Message(), err)
	default:
		return apperr.SyncFailure(cerr.Message(), err)
	}
}
