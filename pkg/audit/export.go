package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// exportJSON exports entries as a JSON array
func exportJSON(entries []LogEntry) ([]byte, error) {
	return json.MarshalIndent(entries, "", "  ")
}

// exportNDJSON exports entries as newline-delimited JSON
func exportNDJSON(entries []LogEntry) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)

	for _, entry := range entries {
		if err := encoder.Encode(entry); err != nil {
			return nil, fmt.Errorf("failed to encode entry: %w", err)
		}
	}

	return buf.Bytes(), nil
}

// exportCSV exports entries as CSV; properties are embedded as JSON
func exportCSV(entries []LogEntry) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := []string{
		"ID",
		"CreatedAt",
		"LogName",
		"Event",
		"Description",
		"SubjectType",
		"SubjectID",
		"CauserID",
		"CauserName",
		"IP",
		"Properties",
	}

	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, entry := range entries {
		props, err := json.Marshal(entry.Properties)
		if err != nil {
			return nil, fmt.Errorf("failed to encode properties of entry %d: %w", entry.ID, err)
		}
		ip := ""
		if entry.Properties.Request != nil {
			ip = entry.Properties.Request.IP
		}

		row := []string{
			strconv.FormatInt(entry.ID, 10),
			entry.CreatedAt.Format(time.RFC3339),
			entry.LogName,
			entry.Event,
			entry.Description,
			refKind(entry.Subject),
			refID(entry.Subject),
			refID(entry.Causer),
			refName(entry.Causer),
			ip,
			string(props),
		}

		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}

func refKind(r *Ref) string {
	if r == nil {
		return ""
	}
	return r.Kind.String()
}

func refID(r *Ref) string {
	if r == nil {
		return ""
	}
	return strconv.FormatInt(r.ID, 10)
}

func refName(r *Ref) string {
	if r == nil {
		return ""
	}
	return r.Name
}
