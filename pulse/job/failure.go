package job

// Severity classifies an ingestion failure. No severity aborts a fetch.
type Severity string

const (
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

// IngestionFailure records a problem with one record that did not stop the batch
type IngestionFailure struct {
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
	RecordRef string   `json:"record_ref,omitempty"`
}

// Warning builds a WARNING failure
func Warning(message, recordRef string) IngestionFailure {
	return IngestionFailure{Severity: SeverityWarning, Message: message, RecordRef: recordRef}
}

// Error builds an ERROR failure
func Error(message, recordRef string) IngestionFailure {
	return IngestionFailure{Severity: SeverityError, Message: message, RecordRef: recordRef}
}
