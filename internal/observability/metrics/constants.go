// Package metrics provides constants used across metric definitions.
package metrics

import "time"

// Namespace prefixes every metric name.
const Namespace = "audiobridge"

// Operation names recorded through Recorder.
const (
	OpOpen        = "open"
	OpStart       = "start"
	OpStop        = "stop"
	OpClose       = "close"
	OpInstallFIFO = "install_fifo"
	OpSetVolume   = "set_volume"
	OpPlaySound   = "play_sound"
	OpLoadSound   = "load_sound"
	OpDecode      = "decode"
	OpStage       = "stage"
)

// Status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Histogram bucket configuration constants.
const (
	// BucketStart100us is the starting bucket for 0.1ms histograms.
	BucketStart100us = 0.0001
	// BucketStart1ms is the starting bucket for 1ms histograms.
	BucketStart1ms = 0.001
	// BucketStart64B is the starting bucket for 64 byte histograms.
	BucketStart64B = 64.0

	BucketFactor2 = 2
	BucketFactor4 = 4

	BucketCount8  = 8
	BucketCount12 = 12
	BucketCount15 = 15
)

// ShutdownTimeout bounds graceful shutdown of the metrics server.
const ShutdownTimeout = 5 * time.Second
