package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/canopyworks/canopy/pkg/apierror"
)

// ExportFormat selects the export serialization.
type ExportFormat string

const (
	FormatJSON   ExportFormat = "json"
	FormatNDJSON ExportFormat = "ndjson"
	FormatCSV    ExportFormat = "csv"
)

// Export serializes matching events in the requested format.
func (s *Store) Export(ctx context.Context, filter SearchFilter, format ExportFormat) ([]byte, error) {
	events, err := s.Search(ctx, filter)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatJSON:
		return json.MarshalIndent(events, "", "  ")
	case FormatNDJSON:
		return exportNDJSON(events)
	case FormatCSV:
		return exportCSV(events)
	}
	return nil, apierror.Invalid("INVALID_FORMAT", "Unsupported export format.")
}

func exportNDJSON(events []*Event) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for _, event := range events {
		if err := encoder.Encode(event); err != nil {
			return nil, fmt.Errorf("encode event %d: %w", event.ID, err)
		}
	}
	return buf.Bytes(), nil
}

func exportCSV(events []*Event) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := []string{
		"ID", "Timestamp", "ActorUserID", "ActorIP", "UserAgent",
		"Action", "EntityType", "EntityID", "Metadata", "Severity",
		"Success", "PrevHash", "EventHash",
	}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("write CSV header: %w", err)
	}

	for _, event := range events {
		actor := ""
		if event.ActorUserID != nil {
			actor = strconv.FormatInt(*event.ActorUserID, 10)
		}
		metadata, err := CanonicalJSON(metadataOrEmpty(event.Metadata))
		if err != nil {
			return nil, err
		}
		record := []string{
			strconv.FormatInt(event.ID, 10),
			CanonicalTimestamp(event.Timestamp),
			actor,
			event.ActorIP,
			event.UserAgent,
			event.Action,
			event.EntityType,
			event.EntityID,
			string(metadata),
			string(event.Severity),
			strconv.FormatBool(event.Success),
			event.PrevHash,
			event.EventHash,
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("write CSV record: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
