// Package forensics provides the chain-of-custody artifacts of a recovery:
// an append-only JSON-lines audit log and a cryptographic hash manifest.
package forensics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditEventType names one auditable event.
type AuditEventType string

const (
	EventSessionStart          AuditEventType = "SESSION_START"
	EventSessionEnd            AuditEventType = "SESSION_END"
	EventDiskScanStart         AuditEventType = "DISK_SCAN_START"
	EventDiskScanComplete      AuditEventType = "DISK_SCAN_COMPLETE"
	EventFileDetected          AuditEventType = "FILE_DETECTED"
	EventFileRecovered         AuditEventType = "FILE_RECOVERED"
	EventFileExported          AuditEventType = "FILE_EXPORTED"
	EventHashCalculated        AuditEventType = "HASH_CALCULATED"
	EventHashFailed            AuditEventType = "HASH_FAILED"
	EventVerificationPerformed AuditEventType = "VERIFICATION_PERFORMED"
	EventConfigurationChange   AuditEventType = "CONFIGURATION_CHANGE"
	EventErrorOccurred         AuditEventType = "ERROR_OCCURRED"
	EventWarning               AuditEventType = "WARNING"
	EventUserAction            AuditEventType = "USER_ACTION"
	EventCancelled             AuditEventType = "CANCELLED"
)

// AuditSeverity grades an audit record.
type AuditSeverity string

const (
	SeverityInfo  AuditSeverity = "INFO"
	SeverityWarn  AuditSeverity = "WARN"
	SeverityError AuditSeverity = "ERROR"
)

// AuditRecord is one line of the audit log.
type AuditRecord struct {
	ID        uint64            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	EventType AuditEventType    `json:"event_type"`
	SessionID uuid.UUID         `json:"session_id"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata"`
	Severity  AuditSeverity     `json:"severity"`
}

// AuditLog appends JSON-per-line records to a file. Record ids increase
// strictly from 1 and the counter is serialized, so records stay monotonic
// even under parallel writeback.
type AuditLog struct {
	mu        sync.Mutex
	file      *os.File
	sessionID uuid.UUID
	nextID    uint64
}

// OpenAuditLog opens (or creates) the log file for appending.
func OpenAuditLog(path string, sessionID uuid.UUID) (*AuditLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log %s: %w", path, err)
	}
	return &AuditLog{file: f, sessionID: sessionID, nextID: 1}, nil
}

// Append writes one record. Severity defaults by event type: errors ERROR,
// warnings WARN, everything else INFO.
func (l *AuditLog) Append(event AuditEventType, message string, metadata map[string]string) error {
	severity := SeverityInfo
	switch event {
	case EventErrorOccurred, EventHashFailed:
		severity = SeverityError
	case EventWarning:
		severity = SeverityWarn
	}
	return l.AppendWithSeverity(event, message, metadata, severity)
}

// AppendWithSeverity writes one record with an explicit severity.
func (l *AuditLog) AppendWithSeverity(event AuditEventType, message string, metadata map[string]string, severity AuditSeverity) error {
	if metadata == nil {
		metadata = map[string]string{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := AuditRecord{
		ID:        l.nextID,
		Timestamp: time.Now().UTC(),
		EventType: event,
		SessionID: l.sessionID,
		Message:   message,
		Metadata:  metadata,
		Severity:  severity,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	l.nextID++
	return nil
}

// Close releases the underlying file.
func (l *AuditLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// ReadAuditLog parses a JSON-lines audit file back into records; used by
// verification tooling and tests.
func ReadAuditLog(path string) ([]AuditRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log %s: %w", path, err)
	}
	var records []AuditRecord
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var rec AuditRecord
		if err := dec.Decode(&rec); err != nil {
			return records, fmt.Errorf("malformed audit record after id %d: %w", len(records), err)
		}
		records = append(records, rec)
	}
	return records, nil
}
