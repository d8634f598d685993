package meilierr

import (
	"strings"
)

// HTTPBody is the wire shape of spec.md §6: {message, code, type, link}.
type HTTPBody struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Type    string `json:"type"`
	Link    string `json:"link,omitempty"`
}

// ToHTTPBody converts err into the response envelope. Non-*Error values are
// wrapped as internal_unexpected_state so every HTTP error response carries
// a closed-taxonomy code.
func ToHTTPBody(err error) HTTPBody {
	if err == nil {
		return HTTPBody{}
	}
	e, ok := err.(*Error)
	if !ok {
		e = Wrap(CodeUnexpectedState, err)
	}
	return HTTPBody{
		Message: e.Message,
		Code:    e.Code,
		Type:    string(e.Type),
		Link:    e.Link,
	}
}

// FormatForCLI formats an error for CLI output: message, then code, then
// any details, one per line.
func FormatForCLI(err error) string {
	if err == nil {
		return ""
	}
	e, ok := err.(*Error)
	if !ok {
		e = Wrap(CodeUnexpectedState, err)
	}

	var sb strings.Builder
	sb.WriteString("Error: ")
	sb.WriteString(e.Message)
	sb.WriteString("\n  Code: ")
	sb.WriteString(e.Code)
	sb.WriteString("\n")
	for k, v := range e.Details {
		sb.WriteString("  " + k + ": " + v + "\n")
	}
	return sb.String()
}

// LogFields formats an error for structured slog logging.
func LogFields(err error) map[string]any {
	if err == nil {
		return nil
	}
	e, ok := err.(*Error)
	if !ok {
		return map[string]any{"error": err.Error()}
	}

	fields := map[string]any{
		"error_code": e.Code,
		"message":    e.Message,
		"type":       string(e.Type),
		"severity":   string(e.Severity),
		"retryable":  e.Retryable,
	}
	if e.Cause != nil {
		fields["cause"] = e.Cause.Error()
	}
	for k, v := range e.Details {
		fields["detail_"+k] = v
	}
	return fields
}
