package metricstest

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tphakala/audiobridge/internal/observability/metrics"
)

var _ metrics.Recorder = (*Recorder)(nil)

func TestRecorderCounts(t *testing.T) {
	t.Parallel()

	r := NewRecorder()
	assert.True(t, r.Empty())

	r.RecordOperation("open", "success")
	r.RecordOperation("open", "success")
	r.RecordOperation("open", "error")
	r.RecordDuration("open", 0.25)
	r.RecordError("open", "audio-device")

	assert.Equal(t, 2, r.OperationCount("open", "success"))
	assert.Equal(t, 1, r.OperationCount("open", "error"))
	assert.Zero(t, r.OperationCount("start", "success"))
	assert.Equal(t, []float64{0.25}, r.Durations("open"))
	assert.Nil(t, r.Durations("start"))
	assert.Equal(t, 1, r.ErrorCount("open", "audio-device"))

	r.RecordDecodedSize("wav", 1024)
	assert.Equal(t, []int{1024}, r.DecodedSizes("wav"))
	assert.Nil(t, r.DecodedSizes("mp3"))

	r.Reset()
	assert.True(t, r.Empty())
}

func TestRecorderConcurrentUse(t *testing.T) {
	t.Parallel()

	r := NewRecorder()
	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			for range 100 {
				r.RecordOperation("stage", "success")
				r.RecordDuration("stage", 0.001)
				r.RecordError("stage", "buffer")
			}
		})
	}
	wg.Wait()

	assert.Equal(t, 1000, r.OperationCount("stage", "success"))
	assert.Len(t, r.Durations("stage"), 1000)
	assert.Equal(t, 1000, r.ErrorCount("stage", "buffer"))
}
