// Package observability exposes the Prometheus metrics of the recording pipeline.
package observability

import "github.com/duorec/duorec/internal/logger"

// Package-level cached logger instance for efficiency.
var log = logger.Global().Module("metrics")
