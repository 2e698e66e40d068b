package change

import "fmt"

// SubmitRecordStatus is the outcome of one submit rule evaluation.
type SubmitRecordStatus string

const (
	SubmitRecordOK        SubmitRecordStatus = "OK"
	SubmitRecordNotReady  SubmitRecordStatus = "NOT_READY"
	SubmitRecordClosed    SubmitRecordStatus = "CLOSED"
	SubmitRecordForced    SubmitRecordStatus = "FORCED"
	SubmitRecordRuleError SubmitRecordStatus = "RULE_ERROR"
)

// ParseSubmitRecordStatus decodes a record status; statuses are written in
// canonical upper case.
func ParseSubmitRecordStatus(raw string) (SubmitRecordStatus, error) {
	switch SubmitRecordStatus(raw) {
	case SubmitRecordOK, SubmitRecordNotReady, SubmitRecordClosed, SubmitRecordForced, SubmitRecordRuleError:
		return SubmitRecordStatus(raw), nil
	}
	return "", fmt.Errorf("change: unknown submit record status %q", raw)
}

// SubmitLabelStatus is the standing of one label within a submit record.
type SubmitLabelStatus string

const (
	SubmitLabelOK         SubmitLabelStatus = "OK"
	SubmitLabelReject     SubmitLabelStatus = "REJECT"
	SubmitLabelNeed       SubmitLabelStatus = "NEED"
	SubmitLabelMay        SubmitLabelStatus = "MAY"
	SubmitLabelImpossible SubmitLabelStatus = "IMPOSSIBLE"
)

// ParseSubmitLabelStatus decodes a label status.
func ParseSubmitLabelStatus(raw string) (SubmitLabelStatus, error) {
	switch SubmitLabelStatus(raw) {
	case SubmitLabelOK, SubmitLabelReject, SubmitLabelNeed, SubmitLabelMay, SubmitLabelImpossible:
		return SubmitLabelStatus(raw), nil
	}
	return "", fmt.Errorf("change: unknown submit label status %q", raw)
}

// SubmitRecordLabel is one label line of a submit record.
type SubmitRecordLabel struct {
	Status SubmitLabelStatus
	Label  string
	// AppliedBy is the account whose vote satisfied the label, zero when the
	// rule did not name one.
	AppliedBy AccountID
}

// SubmitRecord is the result of evaluating the submit rules at the moment a
// change was submitted. Only the most recent block of records is exposed in
// a snapshot.
type SubmitRecord struct {
	Status       SubmitRecordStatus
	ErrorMessage string
	Labels       []SubmitRecordLabel
}
