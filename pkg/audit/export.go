package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// ExportFormat is the encoding of an audit export
type ExportFormat string

const (
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson"
)

// ParseExportFormat accepts csv and ndjson, case-insensitively. An empty
// string selects ndjson.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch ExportFormat(strings.ToLower(s)) {
	case "", ExportFormatNDJSON:
		return ExportFormatNDJSON, nil
	case ExportFormatCSV:
		return ExportFormatCSV, nil
	default:
		return "", fmt.Errorf("unsupported export format %q (must be csv or ndjson)", s)
	}
}

// ContentType returns the MIME type of the format
func (f ExportFormat) ContentType() string {
	if f == ExportFormatCSV {
		return "text/csv"
	}
	return "application/x-ndjson"
}

var csvHeader = []string{
	"id",
	"created_at",
	"action_type",
	"performed_by",
	"target_role_id",
	"target_permission_id",
	"target_principal_id",
	"old_value",
	"new_value",
	"ip_address",
	"user_agent",
}

// Exporter streams records to a writer in one format
type Exporter struct {
	format  ExportFormat
	csv     *csv.Writer
	encoder *json.Encoder
	started bool
}

// NewExporter creates an exporter writing to w
func NewExporter(w io.Writer, format ExportFormat) *Exporter {
	e := &Exporter{format: format}
	if format == ExportFormatCSV {
		e.csv = csv.NewWriter(w)
	} else {
		e.encoder = json.NewEncoder(w)
	}
	return e
}

// Write encodes one record. The CSV header precedes the first row.
func (e *Exporter) Write(rec Record) error {
	if e.encoder != nil {
		if err := e.encoder.Encode(rec); err != nil {
			return fmt.Errorf("failed to encode audit record: %w", err)
		}
		return nil
	}

	if err := e.header(); err != nil {
		return err
	}
	row := []string{
		strconv.FormatInt(rec.ID, 10),
		rec.CreatedAt.UTC().Format(time.RFC3339),
		string(rec.ActionType),
		strconv.FormatInt(rec.PerformedBy, 10),
		formatID(rec.TargetRoleID),
		formatID(rec.TargetPermissionID),
		formatID(rec.TargetPrincipalID),
		string(rec.OldValue),
		string(rec.NewValue),
		rec.IPAddress,
		rec.UserAgent,
	}
	if err := e.csv.Write(row); err != nil {
		return fmt.Errorf("failed to write CSV row: %w", err)
	}
	return nil
}

// Flush writes buffered output. A CSV export with no records still gets
// its header.
func (e *Exporter) Flush() error {
	if e.csv == nil {
		return nil
	}
	if err := e.header(); err != nil {
		return err
	}
	e.csv.Flush()
	if err := e.csv.Error(); err != nil {
		return fmt.Errorf("CSV writer error: %w", err)
	}
	return nil
}

func (e *Exporter) header() error {
	if e.started {
		return nil
	}
	e.started = true
	if err := e.csv.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	return nil
}

func formatID(id *int64) string {
	if id == nil {
		return ""
	}
	return strconv.FormatInt(*id, 10)
}
