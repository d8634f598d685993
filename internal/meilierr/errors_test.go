package meilierr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDerivesTypeAndSeverity(t *testing.T) {
	e := New(CodeIndexNotFound, "index doggos not found", nil)
	assert.Equal(t, TypeInvalidRequest, e.Type)
	assert.Equal(t, SeverityError, e.Severity)
	assert.False(t, e.Retryable)

	down := New(CodeKVStoreCorruption, "bbolt page checksum mismatch", nil)
	assert.Equal(t, TypeInternal, down.Type)
	assert.Equal(t, SeverityFatal, down.Severity)
	assert.True(t, IsFatal(down))
}

func TestWrapPreservesCauseAndCode(t *testing.T) {
	cause := fmt.Errorf("dial tcp: timeout")
	e := Wrap(CodeEmbedderNetworkFailure, cause)
	require.NotNil(t, e)
	assert.Equal(t, cause, e.Cause)
	assert.True(t, errors.Is(e, cause))
	assert.True(t, IsRetryable(e))
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(CodeUnexpectedState, nil))
}

func TestErrorIsComparesByCode(t *testing.T) {
	a := New(CodeTaskNotFound, "task 4 not found", nil)
	b := New(CodeTaskNotFound, "task 9 not found", nil)
	c := New(CodeIndexNotFound, "index not found", nil)

	assert.True(t, a.Is(b))
	assert.False(t, a.Is(c))
}

func TestWithDetailChains(t *testing.T) {
	e := New(CodeInvalidDocumentFilter, "id is not filterable", nil).
		WithDetail("attribute", "id").
		WithDetail("index", "doggos")

	assert.Equal(t, "id", e.Details["attribute"])
	assert.Equal(t, "doggos", e.Details["index"])
}

func TestCodeExtractsFromWrappedError(t *testing.T) {
	inner := New(CodeDocumentNotFound, "doc missing", nil)
	outer := fmt.Errorf("batch failed: %w", inner)
	assert.Equal(t, CodeDocumentNotFound, Code(outer))
}
