package errutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConstructorsKeepCause(t *testing.T) {
	cause := errors.New("stripe: connection reset")
	err := ExternalProcessor("transfer failed", cause)

	require.True(t, errors.Is(err, cause))
	require.Equal(t, StatusBadGateway, Code(err))
	require.Contains(t, err.Error(), "connection reset")
}

func TestCodeThroughWrapping(t *testing.T) {
	err := fmt.Errorf("request payout: %w", InsufficientBalance("amount exceeds available balance", nil))

	require.True(t, Is(err, StatusInsufficientBalance))
	require.Equal(t, http.StatusConflict, Code(err).HTTPStatus())
}

func TestCodeForContextErrors(t *testing.T) {
	require.Equal(t, StatusClientClosedRequest, Code(context.Canceled))
	require.Equal(t, StatusTimeout, Code(fmt.Errorf("db: %w", context.DeadlineExceeded)))
	require.Equal(t, StatusInternal, Code(errors.New("boom")))
}

func TestToBaseErrorHidesInternalMessages(t *testing.T) {
	be := ToBaseError(errors.New("pq: password authentication failed"))
	require.Equal(t, StatusInternal, be.Code)
	require.Equal(t, "internal server error", be.Message)

	be = ToBaseError(NotFound("payout not found", nil, WithDetails(Detail{Field: "payout_id", Message: "unknown"})))
	require.Equal(t, StatusNotFound, be.Code)
	require.Len(t, be.Details, 1)
}
