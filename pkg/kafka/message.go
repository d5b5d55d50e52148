package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Ramsey-B/clover/pkg/batch"
	"github.com/Ramsey-B/clover/pkg/models"
)

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string
}

// StagingNotice is published by the upstream staging job after it writes new
// staged rows for a source table.
type StagingNotice struct {
	SourceSystem string            `json:"source_system"`
	SourceTable  string            `json:"source_table"`
	Kind         models.EntityKind `json:"entity_kind,omitempty"`
	RowCount     int               `json:"row_count,omitempty"`
	StagedAt     time.Time         `json:"staged_at"`
}

// ParseStagingNotice decodes the message value. A notice must name its source
// system; the table may be empty to cover every table of the system.
func (m *IncomingMessage) ParseStagingNotice() (*StagingNotice, error) {
	var notice StagingNotice
	if err := json.Unmarshal(m.Value, &notice); err != nil {
		return nil, fmt.Errorf("decode staging notice: %w", err)
	}
	if notice.SourceSystem == "" {
		notice.SourceSystem = m.Headers["source_system"]
	}
	if notice.SourceSystem == "" {
		return nil, fmt.Errorf("staging notice at offset %d has no source_system", m.Offset)
	}
	if notice.Kind != "" && !notice.Kind.Valid() {
		return nil, fmt.Errorf("staging notice has unknown entity kind %q", notice.Kind)
	}
	return &notice, nil
}

// RunOptions scopes the batch run the notice triggers.
func (n *StagingNotice) RunOptions() batch.RunOptions {
	return batch.RunOptions{
		SourceSystem: n.SourceSystem,
		SourceTable:  n.SourceTable,
		Kind:         n.Kind,
	}
}
