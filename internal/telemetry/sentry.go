// Package telemetry provides opt-in, privacy-filtered error reporting to Sentry
package telemetry

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/duorec/duorec/internal/conf"
	"github.com/duorec/duorec/internal/errors"
	"github.com/duorec/duorec/internal/logger"
	"github.com/duorec/duorec/internal/privacy"
)

// FlushTimeout bounds how long shutdown waits for queued events
const FlushTimeout = 2 * time.Second

var initialized atomic.Bool

// InitSentry initializes the Sentry SDK and routes enhanced errors to it.
// It does nothing unless telemetry is explicitly enabled.
func InitSentry(settings *conf.TelemetrySettings, version string) error {
	log := logger.Global().Module("telemetry")
	if settings == nil || !settings.Enabled {
		log.Debug("sentry telemetry is disabled")
		return nil
	}

	err := initSentry(sentry.ClientOptions{
		Dsn:              settings.SentryDSN,
		SampleRate:       1.0,
		AttachStacktrace: false,
		Environment:      "production",
		ServerName:       "",
		Release:          fmt.Sprintf("duorec@%s", version),
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return applyPrivacyFilters(event)
		},
	})
	if err != nil {
		return err
	}

	log.Info("sentry telemetry initialized",
		logger.String("release", version),
		logger.String("dsn", privacy.AnonymizeURL(settings.SentryDSN)))
	return nil
}

func initSentry(options sentry.ClientOptions) error {
	if err := sentry.Init(options); err != nil {
		return errors.New(fmt.Errorf("sentry initialization failed: %w", err)).
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}

	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("os", runtime.GOOS)
		scope.SetTag("arch", runtime.GOARCH)
		scope.SetContext("application", map[string]any{
			"name": "duorec",
		})
	})

	errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	initialized.Store(true)
	return nil
}

// applyPrivacyFilters strips user, host and runtime details from an event
// and scrubs paths and URLs from its messages
func applyPrivacyFilters(event *sentry.Event) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""
	event.Message = privacy.ScrubMessage(event.Message)
	for i := range event.Exception {
		event.Exception[i].Value = privacy.ScrubMessage(event.Exception[i].Value)
	}

	if event.Contexts != nil {
		delete(event.Contexts, "device")
		delete(event.Contexts, "os")
		delete(event.Contexts, "runtime")
	}

	for k := range event.Extra {
		if k != "error_type" && k != "component" {
			delete(event.Extra, k)
		}
	}

	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
	}

	return event
}

// Flush waits for queued events when Sentry was initialized
func Flush(timeout time.Duration) {
	if !initialized.Load() {
		return
	}
	sentry.Flush(timeout)
}
