package schema

import (
	"fmt"
	"strings"
)

// ValidationSeverity separates blocking issues from advisory ones.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue locates one problem in a graph document. Path uses the
// document's field names, e.g. "steps[2].config.retry" or "/" for the root.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" || i.Path == "/" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects the issues found by every validation stage.
// Only errors make a graph unusable.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool { return len(r.Errors) == 0 }

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// Merge appends other's issues. A nil other is ignored.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other != nil {
		r.Errors = append(r.Errors, other.Errors...)
		r.Warnings = append(r.Warnings, other.Warnings...)
	}
}

// maxSummarized bounds how many errors ToError spells out in its message.
const maxSummarized = 3

// ToError returns nil for a valid result, otherwise a CONFIG_ERROR whose
// message summarizes the first errors and whose details carry them all.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	parts := make([]string, 0, maxSummarized)
	for _, is := range r.Errors[:min(len(r.Errors), maxSummarized)] {
		parts = append(parts, is.String())
	}
	msg := strings.Join(parts, "; ")
	if extra := len(r.Errors) - maxSummarized; extra > 0 {
		msg += fmt.Sprintf(" (and %d more)", extra)
	}

	return NewError(ErrCodeConfig, "invalid graph: "+msg).WithDetails(map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	})
}
