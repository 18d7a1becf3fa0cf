package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type codedErr struct{}

func (codedErr) Error() string { return "limit" }

func (codedErr) RelayError() *Error {
	return &Error{Message: "limit", Code: CodeDailyLimit}
}

func TestToErrorClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		code string
		msg  string
	}{
		{"structured passthrough", fmt.Errorf("wrap: %w", InvalidInput("query is required")), CodeInvalidInput, "query is required"},
		{"coder", fmt.Errorf("op: %w", codedErr{}), CodeDailyLimit, "limit"},
		{"deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), CodeTimedOut, "fetch: context deadline exceeded"},
		{"refused", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, CodeConnRefused, ""},
		{"dns", &net.DNSError{Err: "no such host", Name: "x.invalid", IsNotFound: true}, CodeHostNotFound, ""},
		{"opaque", errors.New("boom"), "", "boom"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := ToError(tc.err)
			require.NotNil(t, got)
			require.Equal(t, tc.code, got.Code)
			if tc.msg != "" {
				require.Equal(t, tc.msg, got.Message)
			}
		})
	}
	require.Nil(t, ToError(nil))
}

func TestErrorIsMatchesCode(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("submit: %w", QueueWaitTimeout("job-1", 5*time.Second))
	require.ErrorIs(t, err, &Error{Code: CodeQueueWaitTimeout})
	require.NotErrorIs(t, err, &Error{Code: CodeDailyLimit})
	require.Contains(t, err.Error(), "job-1")
}

func TestJobNameValid(t *testing.T) {
	t.Parallel()

	for _, name := range []JobName{JobSearch, JobDownload, JobWarmup, JobReset} {
		require.True(t, name.Valid(), name)
	}
	require.False(t, JobName("crawl").Valid())
	require.True(t, JobStatusFailed.Terminal())
	require.False(t, JobStatusRunning.Terminal())
}
