package errors

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFastPathNoTelemetry(t *testing.T) {
	SetTelemetryReporter(nil)

	err := fmt.Errorf("test error")
	ee := New(err).Build()

	if ee.Err.Error() != "test error" {
		t.Errorf("Expected error message 'test error', got '%s'", ee.Err.Error())
	}

	if ee.GetComponent() != "unknown" {
		t.Errorf("Expected component 'unknown' in fast path, got '%s'", ee.GetComponent())
	}

	if ee.Category != CategoryGeneric {
		t.Errorf("Expected category 'generic' in fast path, got '%s'", ee.Category)
	}
}

func TestBuilderCarriesContext(t *testing.T) {
	t.Parallel()

	sentinel := NewStd("device busy")
	ee := New(sentinel).
		Component("capture").
		Category(CategoryCapture).
		Context("operation", "start_device").
		Priority("bogus").
		Build()

	assert.Equal(t, "capture", ee.GetComponent())
	assert.Equal(t, CategoryCapture, ee.Category)
	assert.Equal(t, PriorityMedium, ee.GetPriority())
	assert.Equal(t, "start_device", ee.GetContext()["operation"])
	assert.ErrorIs(t, ee, sentinel)
	assert.True(t, IsCategory(fmt.Errorf("wrapped: %w", ee), CategoryCapture))
	assert.False(t, IsCategory(ee, CategoryMerge))
}

func TestCategoryInheritedFromWrappedError(t *testing.T) {
	t.Parallel()

	inner := New(NewStd("no track")).Category(CategoryMerge).Build()
	outer := New(fmt.Errorf("load secondary: %w", inner)).Build()

	assert.Equal(t, CategoryMerge, outer.Category)
	assert.True(t, Is(outer, &EnhancedError{Category: CategoryMerge}))
}

func TestFileContextAnonymizesPath(t *testing.T) {
	t.Parallel()

	ee := FileError(NewStd("disk full"), "/home/alice/Recordings/mic.wav", 2048)
	ctx := ee.GetContext()

	assert.Equal(t, "absolute-path", ctx["file_type"])
	assert.Equal(t, "wav", ctx["file_extension"])
	assert.Equal(t, "small", ctx["file_size_category"])
	for _, v := range ctx {
		assert.NotContains(t, fmt.Sprint(v), "alice")
	}
}

func TestScrubMessageForPrivacy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		message string
		absent  []string
	}{
		{"unix home", "open /home/alice/Recordings/20240101_mic.wav: denied", []string{"alice", "20240101_mic"}},
		{"mac home", "rename /Users/bob/x/out.m4a.tmp failed", []string{"bob", "out.m4a"}},
		{"windows home", `C:\Users\carol\rec\a.wav busy`, []string{"carol", "a.wav"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			scrubbed := scrubMessageForPrivacy(tt.message)
			for _, s := range tt.absent {
				if strings.Contains(scrubbed, s) {
					t.Errorf("scrubbed message %q still contains %q", scrubbed, s)
				}
			}
		})
	}
}

func TestGenerateErrorTitle(t *testing.T) {
	t.Parallel()

	ee := New(NewStd("ffmpeg exited 1")).
		Component("merge").
		Category(CategoryMerge).
		Context("operation", "export_composite").
		Build()

	require.Equal(t, "Merge Merge Error Export Composite", generateErrorTitle(ee))
}
