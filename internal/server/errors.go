package server

import (
	"CreditLedger/internal/auth"
	"CreditLedger/internal/core"
	"CreditLedger/internal/credit"
	"CreditLedger/internal/custody"
	"CreditLedger/internal/projection"
	"CreditLedger/internal/query"
	"CreditLedger/internal/store"
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
)

// errorKind groups ledger errors by how a transport should report them.
type errorKind int

const (
	kindInternal errorKind = iota
	kindBadRequest
	kindNotFound
	kindConflict
	kindRejected
	kindUnauthorized
	kindUnavailable
	kindUpstream
	kindCanceled
	kindTooManyRequests
)

func classify(err error) errorKind {
	switch {
	case errors.Is(err, custody.ErrUnavailable),
		errors.Is(err, core.ErrLedgerClosed):
		return kindUnavailable
	case errors.Is(err, credit.ErrCustodyTransferFailed):
		return kindUpstream
	case errors.Is(err, core.ErrDuplicateCommand),
		errors.Is(err, credit.ErrAlreadyInitialized),
		errors.Is(err, store.ErrVaultExists):
		return kindConflict
	case errors.Is(err, core.ErrVaultNotInitialized),
		errors.Is(err, store.ErrUserNotFound),
		errors.Is(err, projection.ErrPositionNotFound):
		return kindNotFound
	case errors.Is(err, credit.ErrInsufficientBalance),
		errors.Is(err, credit.ErrInsufficientCredit),
		errors.Is(err, credit.ErrRepaymentExceedsDebt),
		errors.Is(err, credit.ErrArithmeticOverflow):
		return kindRejected
	case errors.Is(err, credit.ErrInvalidAmount),
		errors.Is(err, credit.ErrInvalidRatio),
		errors.Is(err, core.ErrUnknownOperation),
		errors.Is(err, core.ErrMissingCaller),
		errors.Is(err, auth.ErrInvalidEmail),
		errors.Is(err, auth.ErrInvalidCode),
		errors.Is(err, auth.ErrCodeNotFound):
		return kindBadRequest
	case errors.Is(err, auth.ErrTooManyAttempts):
		return kindTooManyRequests
	case errors.Is(err, credit.ErrOwnerMismatch),
		errors.Is(err, auth.ErrInvalidToken):
		return kindUnauthorized
	case errors.Is(err, query.ErrJournalUnavailable):
		return kindUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return kindCanceled
	default:
		return kindInternal
	}
}

func httpStatus(err error) int {
	switch classify(err) {
	case kindBadRequest:
		return http.StatusBadRequest
	case kindNotFound:
		return http.StatusNotFound
	case kindConflict:
		return http.StatusConflict
	case kindRejected:
		return http.StatusUnprocessableEntity
	case kindUnauthorized:
		return http.StatusUnauthorized
	case kindUnavailable:
		return http.StatusServiceUnavailable
	case kindUpstream:
		return http.StatusBadGateway
	case kindCanceled:
		return http.StatusGatewayTimeout
	case kindTooManyRequests:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func grpcCode(err error) codes.Code {
	switch classify(err) {
	case kindBadRequest:
		return codes.InvalidArgument
	case kindNotFound:
		return codes.NotFound
	case kindConflict:
		return codes.AlreadyExists
	case kindRejected:
		return codes.FailedPrecondition
	case kindUnauthorized:
		return codes.PermissionDenied
	case kindUnavailable, kindUpstream:
		return codes.Unavailable
	case kindCanceled:
		return codes.Canceled
	case kindTooManyRequests:
		return codes.ResourceExhausted
	default:
		return codes.Internal
	}
}

// publicMessage hides internal error detail from clients.
func publicMessage(err error) string {
	if classify(err) == kindInternal {
		return "internal error"
	}
	return err.Error()
}
