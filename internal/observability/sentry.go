package observability

import (
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
)

// sensitiveHeaders carry session credentials and never leave the process.
var sensitiveHeaders = []string{"Authorization", "Cookie", "Set-Cookie", "Apikey"}

func InitSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
		SendDefaultPII:   false,
		BeforeSend:       scrubEvent,
	})
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}

func scrubEvent(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	if event == nil || event.Request == nil {
		return event
	}

	event.Request.Cookies = ""
	event.Request.Data = ""
	for name := range event.Request.Headers {
		for _, sensitive := range sensitiveHeaders {
			if http.CanonicalHeaderKey(name) == sensitive {
				event.Request.Headers[name] = "[redacted]"
			}
		}
	}
	return event
}
