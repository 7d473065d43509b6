package reporter

import (
	"context"
	"fmt"

	"proctord/internal/backend"
)

// BackendAPI is the subset of backend.Client the sink uses.
type BackendAPI interface {
	LogActivity(ctx context.Context, req backend.ActivityRequest) error
	RecordLocation(ctx context.Context, req backend.LocationRequest) error
	NotifyViolation(ctx context.Context, req backend.NotifyRequest) error
}

// BackendSink delivers reports to the evaluation backend.
type BackendSink struct {
	api BackendAPI
}

// NewBackendSink creates a sink over api.
func NewBackendSink(api BackendAPI) *BackendSink {
	return &BackendSink{api: api}
}

func (s *BackendSink) Name() string { return "backend" }

// Send maps the report onto the matching backend endpoint.
func (s *BackendSink) Send(ctx context.Context, r Report) error {
	switch r.Kind {
	case KindRecord:
		if r.Record == nil {
			return fmt.Errorf("reporter: record report without record")
		}
		rec := r.Record
		req := backend.ActivityRequest{
			EvaluationID: r.EvaluationID,
			StudentID:    r.StudentID,
			ActivityType: rec.Type(),
			URL:          rec.Detail,
			IsViolation:  rec.Violation,
			RecordID:     rec.ID,
			Timestamp:    backend.Millis(rec.Timestamp),
		}
		if rec.Violation {
			req.ViolationKind = string(rec.Kind)
		}
		return s.api.LogActivity(ctx, req)

	case KindLocation:
		if r.Location == nil {
			return fmt.Errorf("reporter: location report without location")
		}
		return s.api.RecordLocation(ctx, backend.LocationRequest{
			EvaluationID: r.EvaluationID,
			StudentID:    r.StudentID,
			Latitude:     r.Location.Latitude,
			Longitude:    r.Location.Longitude,
		})

	case KindEvidence:
		return s.api.NotifyViolation(ctx, backend.NotifyRequest{
			EvaluationID: r.EvaluationID,
			StudentID:    r.StudentID,
			Reason:       r.Reason,
			Timestamp:    backend.Millis(r.At),
			ArtifactRef:  r.ArtifactRef,
		})

	default:
		return fmt.Errorf("reporter: unknown report kind %q", r.Kind)
	}
}

func (s *BackendSink) Close() error { return nil }
