package event

import (
	"context"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	evt := New("child.interaction.logged", map[string]any{"text": "hello"}, "interaction-service")

	assert.NotEmpty(t, evt.Metadata.EventID)
	assert.Equal(t, "child.interaction.logged", evt.Metadata.EventType)
	assert.Equal(t, "interaction-service", evt.Metadata.SourceService)
	assert.Equal(t, PriorityNormal, evt.Metadata.Priority)
	assert.Equal(t, StatusPending, evt.Metadata.Status)
	assert.Equal(t, DefaultMaxAttempts, evt.Metadata.MaxAttempts)
	assert.Zero(t, evt.Metadata.Attempts)
	assert.Nil(t, evt.Metadata.RetryAfter)
	assert.Equal(t, "interaction-service.child.interaction.logged", evt.Metadata.RoutingKey)
	assert.WithinDuration(t, time.Now().UTC(), evt.Metadata.CreatedAt, 5*time.Second)
}

func TestNew_UniqueEventIDs(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		evt := New("user.created", nil, "user-service")
		_, dup := seen[evt.Metadata.EventID]
		require.False(t, dup, "duplicate event id %s", evt.Metadata.EventID)
		seen[evt.Metadata.EventID] = struct{}{}
	}
}

func TestNew_Options(t *testing.T) {
	evt := New("tts.requested", map[string]any{"voice": "bedtime"}, "tts-service",
		WithCorrelationID("corr-1"),
		WithCausationID("cause-1"),
		WithUserID("user-9"),
		WithSessionID("sess-4"),
		WithPriority(PriorityCritical),
		WithMaxAttempts(5),
		WithTargetServices("audio-worker"),
		WithRoutingKey("custom.key"),
	)

	assert.Equal(t, "corr-1", evt.Metadata.CorrelationID)
	assert.Equal(t, "cause-1", evt.Metadata.CausationID)
	assert.Equal(t, "user-9", evt.Metadata.UserID)
	assert.Equal(t, "sess-4", evt.Metadata.SessionID)
	assert.Equal(t, PriorityCritical, evt.Metadata.Priority)
	assert.Equal(t, 5, evt.Metadata.MaxAttempts)
	assert.Equal(t, []string{"audio-worker"}, evt.Metadata.TargetServices)
	assert.Equal(t, "custom.key", evt.Metadata.RoutingKey)
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	retryAt := time.Now().UTC().Add(30 * time.Second).Truncate(time.Millisecond)

	evt := New("audit.recorded", map[string]any{
		"actor":  gofakeit.Username(),
		"action": "profile_update",
		"count":  float64(3),
	}, "user-service",
		WithCorrelationID(gofakeit.UUID()),
		WithPriority(PriorityHigh),
	)
	evt.Metadata.Attempts = 2
	evt.Metadata.Status = StatusRetrying
	evt.Metadata.RetryAfter = &retryAt

	data, err := evt.Encode()
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, evt.Metadata.EventID, got.Metadata.EventID)
	assert.Equal(t, PriorityHigh, got.Metadata.Priority)
	assert.Equal(t, StatusRetrying, got.Metadata.Status)
	assert.Equal(t, 2, got.Metadata.Attempts)
	require.NotNil(t, got.Metadata.RetryAfter)
	assert.True(t, retryAt.Equal(*got.Metadata.RetryAfter))
	assert.Equal(t, evt.Payload, got.Payload)
	assert.Equal(t, evt.SchemaVersion, got.SchemaVersion)
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"metadata":{},"payload":{}}`))
	assert.Error(t, err, "missing event_id should be rejected")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Event)
		wantErr bool
	}{
		{name: "valid", mutate: func(e *Event) {}},
		{name: "missing type", mutate: func(e *Event) { e.Metadata.EventType = "" }, wantErr: true},
		{name: "missing source", mutate: func(e *Event) { e.Metadata.SourceService = "" }, wantErr: true},
		{name: "zero max attempts", mutate: func(e *Event) { e.Metadata.MaxAttempts = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt := New("user.created", nil, "user-service")
			tt.mutate(evt)
			err := evt.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHandlerFunc(t *testing.T) {
	var handled string
	h := NewHandlerFunc("audit-writer", []string{"user.created", "user.deleted"},
		func(ctx context.Context, evt *Event) error {
			handled = evt.Metadata.EventType
			return nil
		})

	assert.Equal(t, "audit-writer", h.Name())
	assert.True(t, h.CanHandle("user.created"))
	assert.False(t, h.CanHandle("tts.requested"))

	require.NoError(t, h.Handle(context.Background(), New("user.deleted", nil, "user-service")))
	assert.Equal(t, "user.deleted", handled)
}
