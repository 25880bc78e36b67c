package edgeerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := Wrap(KindResolution, "dme.Dial", errors.New("no such host"))

	assert.ErrorIs(t, err, ErrResolution)
	assert.NotErrorIs(t, err, ErrTransport)
	assert.Equal(t, KindResolution, KindOf(err))
	assert.Equal(t, "dme.Dial: resolution error: no such host", err.Error())
}

func TestErrorUnwrapKeepsCause(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("outer: %w", Wrap(KindTransport, "op", cause))

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestErrorMessageForms(t *testing.T) {
	assert.Equal(t, "policy denied", ErrPolicyDenied.Error())
	assert.Equal(t, "op: deadline exceeded", (&Error{Kind: KindDeadlineExceeded, Op: "op"}).Error())
	assert.Equal(t, "configuration error: bad", (&Error{Kind: KindConfiguration, Err: errors.New("bad")}).Error())
}

func TestFromRPC(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"context deadline", context.DeadlineExceeded, KindDeadlineExceeded},
		{"context canceled", context.Canceled, KindTransport},
		{"status deadline", status.Error(codes.DeadlineExceeded, "slow"), KindDeadlineExceeded},
		{"status unavailable", status.Error(codes.Unavailable, "down"), KindTransport},
		{"status invalid", status.Error(codes.InvalidArgument, "bad"), KindConfiguration},
		{"status denied", status.Error(codes.PermissionDenied, "no"), KindPolicyDenied},
		{"plain error", errors.New("reset"), KindTransport},
		{"already classified", ErrResolution, KindResolution},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(FromRPC("op", tc.err)))
		})
	}

	assert.NoError(t, FromRPC("op", nil))
}
