package errors

import (
	"fmt"
	"strings"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReporter struct {
	got []*EnhancedError
}

func (r *recordingReporter) ReportError(ee *EnhancedError) { r.got = append(r.got, ee) }
func (r *recordingReporter) IsEnabled() bool               { return true }

func TestFastPathNoTelemetry(t *testing.T) {
	SetTelemetryReporter(nil)

	ee := New(fmt.Errorf("test error")).Build()

	assert.Equal(t, "test error", ee.Error())
	assert.Equal(t, ComponentUnknown, ee.GetComponent())
	assert.Equal(t, CategoryGeneric, ee.Category)
	assert.False(t, ee.Timestamp.IsZero())
}

func TestBuilderContextAndCategory(t *testing.T) {
	SetTelemetryReporter(nil)
	sentinel := NewStd("device busy")

	ee := New(sentinel).
		Component("device").
		Category(CategoryAudioDevice).
		Context("operation", "start_device").
		Build()

	assert.Equal(t, "device", ee.GetComponent())
	assert.Equal(t, "start_device", ee.GetContext()["operation"])
	assert.True(t, Is(ee, sentinel))
	assert.True(t, IsCategory(ee, CategoryAudioDevice))
	assert.False(t, IsCategory(ee, CategoryGraph))

	wrapped := fmt.Errorf("outer: %w", ee)
	assert.True(t, IsCategory(wrapped, CategoryAudioDevice))
	assert.True(t, Is(wrapped, &EnhancedError{Category: CategoryAudioDevice}))
	assert.Equal(t, CategoryAudioDevice, CategoryOf(wrapped))
	assert.Equal(t, CategoryGeneric, CategoryOf(sentinel))
}

func TestGetContextReturnsCopy(t *testing.T) {
	ee := New(NewStd("x")).Context("k", 1).Build()
	ctx := ee.GetContext()
	ctx["k"] = 2
	assert.Equal(t, 1, ee.GetContext()["k"])
}

func TestReporterReceivesDetectedCategory(t *testing.T) {
	rec := &recordingReporter{}
	SetTelemetryReporter(rec)
	t.Cleanup(func() { SetTelemetryReporter(nil) })

	ee := New(NewStd("failed to decode header")).Build()

	require.Len(t, rec.got, 1)
	assert.Same(t, ee, rec.got[0])
	assert.Equal(t, CategoryFileParsing, ee.Category)
}

func TestSentryEventIsScrubbed(t *testing.T) {
	SetTelemetryReporter(nil)
	var captured *sentry.Event
	sr := NewSentryReporter(true)
	sr.capture = func(ev *sentry.Event) { captured = ev }

	ee := New(NewStd("open /home/alice/song.wav: token=abc123")).
		Component("engine").
		Category(CategoryFileIO).
		Context("operation", "load_sound").
		Build()
	sr.ReportError(ee)
	sr.ReportError(ee)

	require.NotNil(t, captured)
	assert.True(t, ee.IsReported())
	assert.NotContains(t, captured.Message, "alice")
	assert.NotContains(t, captured.Message, "abc123")
	assert.Equal(t, "Engine File I/O Error Load Sound", captured.Exception[0].Type)
	assert.Equal(t, sentry.LevelWarning, captured.Level)
}

func TestScrubMessage(t *testing.T) {
	got := scrubMessageForPrivacy("Error at https://api.example.com?api_key=secret123&token=abc")
	assert.Equal(t, "Error at https://api.example.com?[REDACTED]", got)

	got = scrubMessageForPrivacy("Auth failed with token=abc123 and auth=xyz789")
	assert.False(t, strings.Contains(got, "abc123") || strings.Contains(got, "xyz789"))
}
