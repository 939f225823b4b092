// Package audit records one structured event per mutating forwarded request.
// Emission is best effort: failures are logged and swallowed, never surfaced
// to the caller.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// EventVersion tags the audit event schema.
const EventVersion = "1"

// Event is the wire shape sent to the audit sink.
type Event struct {
	Message      string         `json:"message"`
	EventVersion string         `json:"event_version"`
	Tags         []string       `json:"tags"`
	User         string         `json:"user"`
	Subject      string         `json:"subject,omitempty"`
	Resource     map[string]any `json:"resource,omitempty"`
	Params       url.Values     `json:"params,omitempty"`
}

// Sink delivers audit events to their destination.
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// Change describes a mutating forward to be audited.
type Change struct {
	// User is the identity derived from claims (email, preferred_username,
	// or sub).
	User string
	// Method is the HTTP method forwarded upstream.
	Method string
	// Params are the request query parameters.
	Params url.Values
	// Resource is the forwarded body when available.
	Resource map[string]any
	// URL is the upstream request URL, used to infer resource type and id
	// when the body does not carry them.
	URL string
}

// Recorder assembles events and hands them to the sink.
type Recorder struct {
	logger *slog.Logger
	sink   Sink
}

// NewRecorder builds a recorder. A nil sink falls back to logging events
// through the ambient logger.
func NewRecorder(logger *slog.Logger, sink Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("agent", "audit"))
	if sink == nil {
		sink = &logSink{logger: logger}
	}
	return &Recorder{logger: logger, sink: sink}
}

// RecordChange emits the audit event for a mutating forward. Errors are
// logged and swallowed so auditing can never affect the user-visible
// response.
func (r *Recorder) RecordChange(ctx context.Context, change Change) {
	resourceType, resourceID := r.resourceDetails(change)

	message := fmt.Sprintf("%s %s", change.Method, resourceType)
	if resourceID != "" {
		message = fmt.Sprintf("%s %s/%s", change.Method, resourceType, resourceID)
	}

	event := Event{
		Message:      message,
		EventVersion: EventVersion,
		Tags:         []string{resourceType, change.Method},
		User:         change.User,
		Params:       change.Params,
	}
	if resourceType == "Patient" && resourceID != "" {
		event.Subject = fmt.Sprintf("%s/%s", resourceType, resourceID)
	} else if change.Resource != nil {
		event.Resource = change.Resource
	}

	if err := r.sink.Emit(ctx, event); err != nil {
		r.logger.Error("audit emission failed", slog.Any("error", err))
	}
}

// resourceDetails resolves resource type and id from the body when present,
// falling back to the upstream URL path (/fhir/{ResourceType}/{id}).
func (r *Recorder) resourceDetails(change Change) (string, string) {
	resourceType := ""
	resourceID := ""
	if change.Resource != nil {
		resourceType, _ = change.Resource["resourceType"].(string)
		resourceID, _ = change.Resource["id"].(string)
	}
	if resourceType != "" && resourceID != "" {
		return resourceType, resourceID
	}

	parsed, err := url.Parse(change.URL)
	if err != nil {
		return resourceType, resourceID
	}
	if !strings.HasPrefix(parsed.Path, "/fhir") {
		r.logger.Error("unexpected fhir path in audited url", slog.String("url", change.URL))
	}
	items := strings.Split(parsed.Path, "/")
	if len(items) < 3 {
		return resourceType, resourceID
	}
	if resourceType == "" {
		resourceType = items[2]
	}
	if resourceID == "" && len(items) > 3 {
		resourceID = items[3]
	}
	return resourceType, resourceID
}

// logSink writes events to the process log when no logserver is configured.
type logSink struct {
	logger *slog.Logger
}

func (s *logSink) Emit(_ context.Context, event Event) error {
	s.logger.Info(event.Message,
		slog.String("event_version", event.EventVersion),
		slog.Any("tags", event.Tags),
		slog.String("user", event.User),
		slog.String("subject", event.Subject),
	)
	return nil
}
