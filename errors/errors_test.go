package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesCause(t *testing.T) {
	original := New("original")
	wrapped := Wrapf(original, "job %s", "j-1")

	assert.Contains(t, wrapped.Error(), "job j-1")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

func TestStackTrace(t *testing.T) {
	err := NewValidationError("bad interval %d", 0)

	detailed := fmt.Sprintf("%+v", err)
	assert.Contains(t, detailed, "errors_test.go")
}

func TestTaxonomyPredicates(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		validation bool
		notFound   bool
		conflict   bool
		transient  bool
		permanent  bool
		persist    bool
	}{
		{name: "validation", err: NewValidationError("invalid status %q", "bogus"), validation: true},
		{name: "not found", err: NewNotFoundError("job %s not found", "x"), notFound: true},
		{name: "conflict", err: NewConflictError("job is %s", "completed"), conflict: true},
		{name: "transient", err: MarkTransient(New("503")), transient: true},
		{name: "permanent", err: MarkPermanent(New("404")), permanent: true},
		{name: "persistence", err: WrapPersistence(New("disk I/O error"), "update batch"), persist: true},
		{name: "plain", err: New("plain")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.validation, IsValidation(tt.err))
			assert.Equal(t, tt.notFound, IsNotFound(tt.err))
			assert.Equal(t, tt.conflict, IsConflict(tt.err))
			assert.Equal(t, tt.transient, IsTransient(tt.err))
			assert.Equal(t, tt.permanent, IsPermanent(tt.err))
			assert.Equal(t, tt.persist, IsPersistence(tt.err))
		})
	}
}

func TestClassificationSurvivesWrapping(t *testing.T) {
	err := MarkPermanent(New("HTTP 401"))
	err = Wrap(err, "trigger call")
	err = Wrapf(err, "job %s", "j-1")

	assert.True(t, IsPermanent(err))
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "HTTP 401")
}

func TestWrapPersistenceKeepsDomainClassification(t *testing.T) {
	err := WrapPersistence(NewNotFoundError("job %s not found", "missing"), "get job")

	assert.True(t, IsNotFound(err))
	assert.False(t, IsPersistence(err))
	assert.Contains(t, err.Error(), "get job")
}

func TestNilHandling(t *testing.T) {
	assert.Nil(t, MarkTransient(nil))
	assert.Nil(t, MarkPermanent(nil))
	assert.Nil(t, WrapPersistence(nil, "context"))
	assert.False(t, IsNotFound(nil))
	assert.False(t, IsPermanent(nil))
}

func TestHintsAndDetails(t *testing.T) {
	err := NewValidationError("poll interval %d out of range", 5)
	err = WithHint(err, "use a value between 30 and 3600")
	err = WithDetail(err, "job: nightly-embeddings")

	hints := GetAllHints(err)
	require.Len(t, hints, 1)
	assert.Equal(t, "use a value between 30 and 3600", hints[0])
	assert.Contains(t, GetAllDetails(err), "job: nightly-embeddings")
	assert.True(t, IsValidation(err))
}

func ExampleWrap() {
	baseErr := New("connection refused")
	err := Wrap(baseErr, "failed to check batch")
	fmt.Println(err)
	// Output: failed to check batch: connection refused
}
