// Package meilierr provides the structured, closed-taxonomy error type shared
// by the scheduler, indexer and search pipeline, and the HTTP layer's
// {message, code, type, link} error envelope.
package meilierr

// Type is the coarse-grained classification surfaced in HTTP error bodies.
type Type string

const (
	TypeInvalidRequest Type = "invalid_request"
	TypeAuth           Type = "auth"
	TypeInternal       Type = "internal"
	TypeSystem         Type = "system"
)

// Severity mirrors the taxonomy of spec.md §7: most errors merely fail a
// task or a request, but a handful poison the scheduler (Fatal).
type Severity string

const (
	SeverityFatal   Severity = "FATAL"
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

// Closed set of error codes, one per spec.md §7 taxonomy entry.
const (
	// User input.
	CodeInvalidFieldFormat    = "invalid_field_format"
	CodeInvalidFilter         = "invalid_filter"
	CodeInvalidSort           = "invalid_sort"
	CodeInvalidDistinct       = "invalid_distinct"
	CodeInvalidDocumentFilter = "invalid_document_filter"
	CodeIndexNotFound         = "index_not_found"
	CodeIndexAlreadyExists    = "index_already_exists"
	CodeDocumentNotFound      = "document_not_found"
	CodeInvalidPrimaryKey     = "invalid_primary_key"
	CodeMissingPrimaryKey     = "missing_primary_key"
	CodeInvalidAPIKey         = "invalid_api_key"
	CodeImmutableField        = "immutable_field"
	CodeInvalidFacetRule      = "invalid_facet_rule"
	CodeInvalidVectorShape    = "invalid_vector_shape"
	CodeInvalidTask           = "invalid_task"
	CodeTaskNotFound          = "task_not_found"
	CodeBatchNotFound         = "batch_not_found"

	// Authorization.
	CodeMissingAuthorizationHeader = "missing_authorization_header"
	CodeInvalidAPIKeyIndexes       = "invalid_api_key_indexes"
	CodeTenantTokenExpired         = "invalid_api_key_expires_at"

	// Capacity.
	CodeIndexCountLimitReached = "index_count_limit_reached"
	CodeDatabaseSizeLimit      = "database_size_limit_reached"
	CodeTooManySearchRequests  = "too_many_search_requests"

	// External.
	CodeEmbedderNetworkFailure = "embedder_network_failure"
	CodeEmbedderRateLimited    = "embedder_rate_limited"
	CodeEmbedderBadResponse    = "embedder_bad_response"
	CodeEmbedderMisconfigured  = "embedder_misconfigured"

	// Internal.
	CodeKVStoreCorruption = "internal_kv_store_corruption"
	CodeSerialization     = "internal_serialization_error"
	CodeUnexpectedState   = "internal_unexpected_state"
	CodeSchedulerDown     = "internal_scheduler_down"
	CodeUpgradeFailed     = "internal_upgrade_failed"
)

// fatalCodes poison the scheduler: once raised during batch execution, the
// scheduler sets its sticky "down" flag (spec.md §4.3 step 7). An Upgrade
// failure is always fatal (spec.md §8 scenario 4: "scheduler performs no
// further batches") since every later batch may depend on the migration it
// didn't complete.
var fatalCodes = map[string]bool{
	CodeKVStoreCorruption: true,
	CodeUnexpectedState:   true,
	CodeSchedulerDown:     true,
	CodeUpgradeFailed:     true,
}

// retryableCodes may be retried by the caller (embedder network hiccups).
var retryableCodes = map[string]bool{
	CodeEmbedderNetworkFailure: true,
	CodeEmbedderRateLimited:    true,
	CodeTooManySearchRequests:  true,
}

// typeFromCode maps a closed code to its HTTP-facing Type.
func typeFromCode(code string) Type {
	switch code {
	case CodeMissingAuthorizationHeader, CodeInvalidAPIKeyIndexes, CodeTenantTokenExpired, CodeInvalidAPIKey:
		return TypeAuth
	case CodeKVStoreCorruption, CodeSerialization, CodeUnexpectedState, CodeSchedulerDown, CodeUpgradeFailed:
		return TypeInternal
	case CodeIndexCountLimitReached, CodeDatabaseSizeLimit, CodeTooManySearchRequests:
		return TypeSystem
	default:
		return TypeInvalidRequest
	}
}

func severityFromCode(code string) Severity {
	if fatalCodes[code] {
		return SeverityFatal
	}
	if retryableCodes[code] {
		return SeverityWarning
	}
	return SeverityError
}

func isRetryableCode(code string) bool {
	return retryableCodes[code]
}

// IsFatalCode reports whether a code is one that must set the scheduler's
// sticky down flag when it terminates a batch.
func IsFatalCode(code string) bool {
	return fatalCodes[code]
}
