package errors

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesKind(t *testing.T) {
	cause := io.ErrUnexpectedEOF
	err := fmt.Errorf("cycle: %w", NewSensorError("telemetry", "sample", cause))

	assert.True(t, stderrors.Is(err, ErrSensor))
	assert.False(t, stderrors.Is(err, ErrPersistence))
	assert.True(t, stderrors.Is(err, io.ErrUnexpectedEOF))

	var e *Error
	assert.True(t, stderrors.As(err, &e))
	assert.Equal(t, "telemetry", e.Component)
	assert.True(t, e.Recoverable)
	assert.False(t, NewFatalInitError("storage", cause).Recoverable)
}

func TestErrorHandler_LogsByKind(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantLevel string
	}{
		{"sensor", NewSensorError("telemetry", "sample", io.EOF), `"level":"warn"`},
		{"persistence", NewPersistenceError("storage", "store_state", io.EOF), `"level":"warn"`},
		{"model", NewModelError("anomaly", "detect", io.EOF), `"level":"info"`},
		{"fatal", NewFatalInitError("storage", io.EOF), `"level":"error"`},
		{"plain", io.EOF, `"level":"error"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			var collected []*Error
			h := NewErrorHandler(zerolog.New(&buf), func(_ context.Context, e *Error) {
				collected = append(collected, e)
			})

			h.HandleError(context.Background(), tt.err)

			assert.Contains(t, buf.String(), tt.wantLevel)
			if _, ok := tt.err.(*Error); ok {
				assert.Len(t, collected, 1)
			} else {
				assert.Empty(t, collected)
			}
		})
	}
}

func TestErrorHandler_PolicyCheckIsDebug(t *testing.T) {
	var buf bytes.Buffer
	h := NewErrorHandler(zerolog.New(&buf).Level(zerolog.InfoLevel), nil)
	h.HandleError(context.Background(), NewPolicyCheckError("policy", "integrity", 42, io.EOF))
	assert.Empty(t, buf.String())
	h.HandleError(context.Background(), nil)
	assert.Empty(t, buf.String())
}
