package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/batch"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/logging"
	"github.com/Ramsey-B/clover/pkg/models"
)

func TestEventMessage(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	event := &events.Event{
		Type:          events.TypeEntityMerged,
		SchemaVersion: events.SchemaVersion,
		Kind:          models.EntityKindPerson,
		EntityID:      "P7",
		DecisionID:    "D1",
		Timestamp:     at,
	}

	msg, err := eventMessage("clover.events", event)
	require.NoError(t, err)
	assert.Equal(t, "clover.events", msg.Topic)
	assert.Equal(t, "P7", string(msg.Key))
	assert.Equal(t, at, msg.Time)

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, map[string]string{
		"event_type":     events.TypeEntityMerged,
		"entity_kind":    "person",
		"schema_version": events.SchemaVersion,
	}, headers)

	var decoded events.Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "D1", decoded.DecisionID)
}

func TestEventMessage_KeysByDecisionWithoutEntity(t *testing.T) {
	msg, err := eventMessage("t", &events.Event{Type: events.TypeDecisionRecorded, DecisionID: "D9"})
	require.NoError(t, err)
	assert.Equal(t, "D9", string(msg.Key))
	assert.False(t, msg.Time.IsZero())
}

func TestParseStagingNotice(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		headers map[string]string
		want    batch.RunOptions
		wantErr bool
	}{
		{
			name:  "full notice",
			value: `{"source_system":"clinic_export","source_table":"owners","entity_kind":"person","row_count":12}`,
			want:  batch.RunOptions{SourceSystem: "clinic_export", SourceTable: "owners", Kind: models.EntityKindPerson},
		},
		{
			name:    "source from header",
			value:   `{"source_table":"reports"}`,
			headers: map[string]string{"source_system": "field_report"},
			want:    batch.RunOptions{SourceSystem: "field_report", SourceTable: "reports"},
		},
		{name: "missing source", value: `{"source_table":"owners"}`, wantErr: true},
		{name: "unknown kind", value: `{"source_system":"x","entity_kind":"vehicle"}`, wantErr: true},
		{name: "not json", value: `staged!`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &IncomingMessage{Value: []byte(tt.value), Headers: tt.headers}
			notice, err := msg.ParseStagingNotice()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, notice.RunOptions())
		})
	}
}

type fakeRunner struct {
	calls []batch.RunOptions
	err   error
}

func (r *fakeRunner) Run(ctx context.Context, opts batch.RunOptions) (*batch.Summary, error) {
	r.calls = append(r.calls, opts)
	if r.err != nil {
		return nil, r.err
	}
	return &batch.Summary{Processed: 3}, nil
}

func TestTriggerHandler(t *testing.T) {
	runner := &fakeRunner{}
	handle := TriggerHandler(runner, logging.Nop())

	err := handle(context.Background(), &IncomingMessage{Value: []byte(`{"source_system":"map_annotation"}`)})
	require.NoError(t, err)
	require.Len(t, runner.calls, 1)
	assert.Equal(t, "map_annotation", runner.calls[0].SourceSystem)

	err = handle(context.Background(), &IncomingMessage{Value: []byte(`{}`)})
	require.ErrorIs(t, err, ErrPermanent)
	assert.Len(t, runner.calls, 1)

	runner.err = errors.New("store unavailable")
	err = handle(context.Background(), &IncomingMessage{Value: []byte(`{"source_system":"map_annotation"}`)})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPermanent)
}
