package rpc

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/teranos/hub/errors"
)

// toStatus maps the hub error taxonomy onto gRPC codes
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var code codes.Code
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.IsNotFoundError(err):
		code = codes.NotFound
	case errors.IsValidation(err):
		code = codes.InvalidArgument
	case errors.IsUnavailable(err):
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// fromStatus maps a gRPC error back into the taxonomy so the sync engine
// can tell a missing node from a failed call
func fromStatus(err error, what string) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return errors.Mark(errors.Wrap(err, what), errors.ErrUnavailable)
	}
	switch st.Code() {
	case codes.NotFound:
		return errors.NewNotFoundError("%s: %s", what, st.Message())
	case codes.InvalidArgument:
		return errors.Validationf("%s: %s", what, st.Message())
	case codes.Internal, codes.Unknown:
		return errors.Newf("%s: %s", what, st.Message())
	default:
		return errors.Unavailablef("%s: %s (%s)", what, st.Message(), st.Code())
	}
}
