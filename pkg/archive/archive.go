// Package archive persists exported change sets so they can be re-imported
// later, independent of the clipboard round-trip the injected UI offers.
// Records are Avro-encoded; the backend is a local directory or an S3
// bucket.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hamba/avro/v2"

	"github.com/optibridge/go-companion/pkg/model"
)

// Schema is the Avro schema for an archived change set. The changes
// themselves stay JSON-encoded: their shape is vendor-defined and open.
const Schema = `{
  "type": "record",
  "name": "ChangeSetRecord",
  "namespace": "io.optibridge.archive",
  "fields": [
    {"name": "id", "type": "string"},
    {"name": "experimentId", "type": "long"},
    {"name": "variationId", "type": "long"},
    {"name": "pageId", "type": "long"},
    {"name": "createdAt", "type": "long"},
    {"name": "changes", "type": "string"}
  ]
}`

// Record is one archived change set.
type Record struct {
	ID           string `avro:"id"`
	ExperimentID int64  `avro:"experimentId"`
	VariationID  int64  `avro:"variationId"`
	PageID       int64  `avro:"pageId"`
	CreatedAt    int64  `avro:"createdAt"` // unix milliseconds
	Changes      string `avro:"changes"`   // JSON-encoded []model.Change
}

// NewRecord builds a Record from an export result.
func NewRecord(id string, experimentID, variationID, pageID int64, changes []model.Change) (Record, error) {
	payload, err := json.Marshal(changes)
	if err != nil {
		return Record{}, fmt.Errorf("encoding changes: %w", err)
	}
	return Record{
		ID:           id,
		ExperimentID: experimentID,
		VariationID:  variationID,
		PageID:       pageID,
		CreatedAt:    time.Now().UnixMilli(),
		Changes:      string(payload),
	}, nil
}

// DecodeChanges returns the archived change list.
func (r Record) DecodeChanges() ([]model.Change, error) {
	var changes []model.Change
	if err := json.Unmarshal([]byte(r.Changes), &changes); err != nil {
		return nil, fmt.Errorf("decoding archived changes: %w", err)
	}
	return changes, nil
}

// Archive stores and retrieves change-set records by id.
type Archive interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, id string) (Record, error)
	List(ctx context.Context) ([]Record, error)
}

var recordSchema = avro.MustParse(Schema)

func encodeRecord(rec Record) ([]byte, error) {
	data, err := avro.Marshal(recordSchema, rec)
	if err != nil {
		return nil, fmt.Errorf("encoding archive record: %w", err)
	}
	return data, nil
}

func decodeRecord(data []byte) (Record, error) {
	var rec Record
	if err := avro.Unmarshal(recordSchema, data, &rec); err != nil {
		return Record{}, fmt.Errorf("decoding archive record: %w", err)
	}
	return rec, nil
}
