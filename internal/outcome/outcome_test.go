package outcome

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindOK},
		{"http status", &HTTPStatusError{StatusCode: 503}, KindHTTPStatus},
		{"wrapped rpc", fmt.Errorf("invoke: %w", &RPCError{Code: "Unavailable"}), KindRPC},
		{"stream", &StreamError{URL: "http://x", Reason: "closed"}, KindStream},
		{"transport", &TransportError{Op: "GET", URL: "http://x", Err: errors.New("refused")}, KindTransport},
		{"plain", errors.New("boom"), KindTransport},
		{"run cancelled", context.Canceled, KindCancelled},
		{"request timeout", &TransportError{Op: "GET", URL: "http://x", Err: context.DeadlineExceeded}, KindTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestKindFailed(t *testing.T) {
	assert.False(t, KindOK.Failed())
	assert.False(t, KindDropped.Failed())
	assert.False(t, KindCancelled.Failed())
	assert.True(t, KindHTTPStatus.Failed())
	assert.True(t, KindStream.Failed())
}
