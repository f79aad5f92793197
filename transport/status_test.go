package transport_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jrife/grouse/protocol"
	"github.com/jrife/grouse/transport"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestStatusRoundTrip(t *testing.T) {
	testCases := map[string]struct {
		err   error
		code  codes.Code
		match func(err error) bool
	}{
		"not-found": {
			err:  &transport.RejectionError{Type: protocol.RejectionNotFound, Reason: "no job"},
			code: codes.NotFound,
			match: func(err error) bool {
				var rejection *transport.RejectionError

				return errors.As(err, &rejection) && rejection.Type == protocol.RejectionNotFound && rejection.Reason == "no job"
			},
		},
		"invalid-state": {
			err:  fmt.Errorf("wrapped: %w", &transport.RejectionError{Type: protocol.RejectionInvalidState, Reason: "job is failed"}),
			code: codes.FailedPrecondition,
			match: func(err error) bool {
				var rejection *transport.RejectionError

				return errors.As(err, &rejection) && rejection.Type == protocol.RejectionInvalidState && rejection.Reason == "job is failed"
			},
		},
		"unavailable": {
			err:   fmt.Errorf("%w: not the leader", transport.ErrUnavailable),
			code:  codes.Unavailable,
			match: func(err error) bool { return errors.Is(err, transport.ErrUnavailable) },
		},
		"no-partition": {
			err:   transport.ErrNoPartition,
			code:  codes.Unavailable,
			match: func(err error) bool { return errors.Is(err, transport.ErrUnavailable) },
		},
		"deadline": {
			err:   context.DeadlineExceeded,
			code:  codes.DeadlineExceeded,
			match: func(err error) bool { return errors.Is(err, context.DeadlineExceeded) },
		},
		"internal": {
			err:   errors.New("disk on fire"),
			code:  codes.Internal,
			match: func(err error) bool { return status.Code(err) == codes.Internal },
		},
	}

	for name, testCase := range testCases {
		testCase := testCase

		t.Run(name, func(t *testing.T) {
			converted := transport.ToStatus(testCase.err)

			if code := status.Code(converted); code != testCase.code {
				t.Fatalf("expected code %s, got %s", testCase.code, code)
			}

			if err := transport.FromStatus(converted); !testCase.match(err) {
				t.Fatalf("unexpected error after round trip %#v", err)
			}
		})
	}

	if transport.ToStatus(nil) != nil || transport.FromStatus(nil) != nil {
		t.Fatalf("expected nil to stay nil")
	}
}
