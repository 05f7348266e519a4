package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrPayloadTooLarge, CodePayloadTooLarge},
		{fmt.Errorf("upload: %w", ErrInvalidMetadata), CodeInvalidMetadata},
		{NewAppError(CodeQueueUnavailable, "broker down", ErrQueueUnavailable), CodeQueueUnavailable},
		{fmt.Errorf("get job: %w", ErrNotFound), CodeNotFound},
		{errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Code(tt.err))
	}
}

func TestPublicMessageHidesInternals(t *testing.T) {
	err := fmt.Errorf("pq: relation jobs does not exist")
	assert.Equal(t, "internal error", PublicMessage(err))

	appErr := NewAppError(CodeInvalidMetadata, "title is required", ErrInvalidMetadata)
	assert.Equal(t, "title is required", PublicMessage(fmt.Errorf("wrap: %w", appErr)))
}

func TestGRPCError(t *testing.T) {
	st, _ := status.FromError(GRPCError(fmt.Errorf("x: %w", ErrNotFound)))
	assert.Equal(t, codes.NotFound, st.Code())

	st, _ = status.FromError(GRPCError(ErrPayloadTooLarge))
	assert.Equal(t, codes.ResourceExhausted, st.Code())

	st, _ = status.FromError(GRPCError(ErrQueueUnavailable))
	assert.Equal(t, codes.Unavailable, st.Code())

	assert.NoError(t, GRPCError(nil))
}

func TestParseUUID(t *testing.T) {
	_, err := ParseUUID("id", "nope")
	assert.ErrorIs(t, err, ErrInvalidInput)

	id, err := ParseUUID("id", "3f1d7f2e-8a8b-4c59-9a39-2d2b8e4b9f10")
	assert.NoError(t, err)
	assert.Equal(t, "3f1d7f2e-8a8b-4c59-9a39-2d2b8e4b9f10", id.String())
}
