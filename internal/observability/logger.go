package observability

import "github.com/tphakala/audiobridge/internal/logger"

// Package-level cached logger instance.
var log = logger.Global().Module("telemetry")
