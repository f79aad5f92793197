package transport

import (
	"context"
	"errors"
	"strings"

	"github.com/jrife/grouse/protocol"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var rejectionCodes = map[protocol.RejectionType]codes.Code{
	protocol.RejectionNotFound:        codes.NotFound,
	protocol.RejectionInvalidState:    codes.FailedPrecondition,
	protocol.RejectionInvalidArgument: codes.InvalidArgument,
	protocol.RejectionAlreadyExists:   codes.AlreadyExists,
	protocol.RejectionProcessingError: codes.Internal,
}

// ToStatus converts an error returned by a service into a gRPC
// status error
func ToStatus(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := status.FromError(err); ok {
		return err
	}

	var rejection *RejectionError

	switch {
	case errors.As(err, &rejection):
		code, ok := rejectionCodes[rejection.Type]

		if !ok {
			code = codes.Unknown
		}

		return status.Error(code, string(rejection.Type)+": "+rejection.Reason)
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrNoPartition):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}

	return status.Error(codes.Internal, err.Error())
}

// FromStatus turns a gRPC status error back into the error a
// service returned where possible
func FromStatus(err error) error {
	s, ok := status.FromError(err)

	if !ok || err == nil {
		return err
	}

	switch s.Code() {
	case codes.Unavailable:
		return &statusError{err: err, cause: ErrUnavailable}
	case codes.DeadlineExceeded:
		return &statusError{err: err, cause: context.DeadlineExceeded}
	case codes.Canceled:
		return &statusError{err: err, cause: context.Canceled}
	}

	for rejectionType, code := range rejectionCodes {
		prefix := string(rejectionType) + ": "

		if s.Code() == code && strings.HasPrefix(s.Message(), prefix) {
			return &RejectionError{Type: rejectionType, Reason: strings.TrimPrefix(s.Message(), prefix)}
		}
	}

	return err
}

// statusError keeps the status for gRPC aware callers and matches
// the sentinel it was created from
type statusError struct {
	err   error
	cause error
}

func (err *statusError) Error() string {
	return err.err.Error()
}

func (err *statusError) Unwrap() []error {
	return []error{err.err, err.cause}
}
