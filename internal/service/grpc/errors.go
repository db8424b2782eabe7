package grpcsvc

import (
	"context"
	"errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

// ErrorDomain — значение ErrorInfo.Domain в деталях статуса.
const ErrorDomain = "shopcore"

var kindCodes = map[domain.Kind]codes.Code{
	domain.KindInvalidArgument:           codes.InvalidArgument,
	domain.KindNotFound:                  codes.NotFound,
	domain.KindUnauthorized:              codes.PermissionDenied,
	domain.KindConflict:                  codes.Aborted,
	domain.KindUnavailable:               codes.Unavailable,
	domain.KindInsufficientStock:         codes.FailedPrecondition,
	domain.KindInvalidTransition:         codes.FailedPrecondition,
	domain.KindPaymentVerificationFailed: codes.PermissionDenied,
	domain.KindSignatureInvalid:          codes.PermissionDenied,
	domain.KindPaymentInProgress:         codes.FailedPrecondition,
	domain.KindPromoNotFound:             codes.NotFound,
	domain.KindPromoExpired:              codes.FailedPrecondition,
	domain.KindPromoNotYetValid:          codes.FailedPrecondition,
	domain.KindPromoBelowMinimum:         codes.FailedPrecondition,
	domain.KindPromoUsageLimitReached:    codes.ResourceExhausted,
	domain.KindPromoInactive:             codes.FailedPrecondition,
	domain.KindPromoAlreadyApplied:       codes.AlreadyExists,
}

// toStatus переводит доменную ошибку в gRPC-статус с kind в ErrorInfo.Reason.
// Внутренние ошибки не раскрывают подробностей клиенту.
func toStatus(err error, authenticated bool) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	kind := domain.KindOf(err)
	code, ok := kindCodes[kind]
	message := err.Error()
	switch {
	case !ok:
		code, message = codes.Internal, "internal error"
	case kind == domain.KindUnauthorized && !authenticated:
		code = codes.Unauthenticated
	case errors.Is(err, domain.ErrIdempotencyKeyReused):
		code = codes.AlreadyExists
	case errors.Is(err, domain.ErrOrderNotPending):
		// повтор не поможет, в отличие от проигранной гонки
		code = codes.FailedPrecondition
	}

	st := status.New(code, message)
	detailed, detailErr := st.WithDetails(&errdetails.ErrorInfo{Reason: string(kind), Domain: ErrorDomain})
	if detailErr != nil {
		return st.Err()
	}
	return detailed.Err()
}

// KindFromError достаёт kind из статуса, полученного клиентом.
func KindFromError(err error) domain.Kind {
	st, ok := status.FromError(err)
	if !ok {
		return ""
	}
	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.ErrorInfo); ok && info.GetDomain() == ErrorDomain {
			return domain.Kind(info.GetReason())
		}
	}
	return ""
}
