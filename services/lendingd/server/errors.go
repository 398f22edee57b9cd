package server

import (
	"errors"
	"net/http"

	nativecommon "lpvault/native/common"
	"lpvault/native/lending"
	"lpvault/native/oracle"
	"lpvault/native/positions"
	"lpvault/native/registry"
)

var (
	// errBadRequest marks request decoding failures.
	errBadRequest      = errors.New("bad request")
	errUnauthenticated = errors.New("unauthenticated")
	errUnavailable     = errors.New("unavailable")
)

// statusFor maps module errors to HTTP status codes. Unknown errors are
// reported as internal failures without leaking their text.
func statusFor(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, errUnauthenticated):
		return http.StatusUnauthorized, err.Error()
	case errors.Is(err, lending.ErrForbidden),
		errors.Is(err, oracle.ErrForbidden),
		errors.Is(err, registry.ErrForbidden),
		errors.Is(err, positions.ErrForbidden),
		errors.Is(err, positions.ErrNotOwner):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, lending.ErrPositionNotFound),
		errors.Is(err, positions.ErrPositionNotFound),
		errors.Is(err, registry.ErrTokenNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, errUnavailable),
		errors.Is(err, nativecommon.ErrModulePaused),
		errors.Is(err, lending.ErrPriceUnavailable):
		return http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, lending.ErrInvalidAmount),
		errors.Is(err, lending.ErrInvalidParams),
		errors.Is(err, lending.ErrPoolMismatch),
		errors.Is(err, lending.ErrPoolNotWhitelisted),
		errors.Is(err, registry.ErrInvalidRecipient),
		errors.Is(err, positions.ErrInvalidPosition),
		errors.Is(err, oracle.ErrInvalidLength),
		errors.Is(err, oracle.ErrInvalidOracle),
		errors.Is(err, oracle.ErrInvalidPeriod),
		errors.Is(err, oracle.ErrPriceUpdateFailed),
		errors.Is(err, oracle.ErrOverflow):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, lending.ErrInsufficientCollateral),
		errors.Is(err, lending.ErrExceedsLimit),
		errors.Is(err, lending.ErrPositionUnhealthy),
		errors.Is(err, lending.ErrNotLiquidatable),
		errors.Is(err, lending.ErrDebtOutstanding),
		errors.Is(err, lending.ErrRepayExceedsDebt),
		errors.Is(err, lending.ErrNoDebtToRepay),
		errors.Is(err, lending.ErrAlreadyDeposited),
		errors.Is(err, lending.ErrInsufficientBalance),
		errors.Is(err, lending.ErrPoolInUse):
		return http.StatusConflict, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
