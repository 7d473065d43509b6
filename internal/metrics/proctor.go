package metrics

import (
	"time"

	"proctord/internal/reporter"
	"proctord/internal/session"
	"proctord/internal/violation"
)

// Proctor holds the monitor's metrics.
type Proctor struct {
	registry *Registry

	RemainingSeconds *Gauge
	BridgeClients    *Gauge
	LocationFailures *Gauge
	Submissions      *Counter
	DispatchDuration *Histogram

	start time.Time
}

// NewProctor registers the monitor's metrics on registry.
func NewProctor(registry *Registry) *Proctor {
	return &Proctor{
		registry: registry,
		RemainingSeconds: registry.Gauge("remaining_seconds",
			"Seconds left in the active attempt", nil),
		BridgeClients: registry.Gauge("bridge_clients",
			"Connected exam shells", nil),
		LocationFailures: registry.Gauge("location_failures",
			"Failed location samples in the current attempt", nil),
		Submissions: registry.Counter("submissions_total",
			"Submissions constructed", nil),
		DispatchDuration: registry.Histogram("dispatch_duration_seconds",
			"Time to classify one shell event", nil, nil),
		start: time.Now(),
	}
}

// Registry returns the underlying registry.
func (p *Proctor) Registry() *Registry { return p.registry }

// Violation counts one violation of kind.
func (p *Proctor) Violation(kind violation.Kind) {
	p.registry.Counter("violations_total", "Violations recorded",
		Labels{"kind": string(kind)}).Inc()
}

// Activity counts one non-violation activity.
func (p *Proctor) Activity(activity violation.ActivityType) {
	p.registry.Counter("activities_total", "Activities recorded",
		Labels{"activity": string(activity)}).Inc()
}

// ReportResult counts one delivery attempt. It has the signature of
// reporter.Config.OnResult.
func (p *Proctor) ReportResult(sink string, kind reporter.Kind, err error) {
	result := "sent"
	if err != nil {
		result = "failed"
	}
	p.registry.Counter("reports_total", "Report delivery attempts",
		Labels{"sink": sink, "kind": string(kind), "result": result}).Inc()
}

// SetPhase marks phase as the current one.
func (p *Proctor) SetPhase(phase session.Phase) {
	for ph := session.Preview; ph <= session.Expired; ph++ {
		var v int64
		if ph == phase {
			v = 1
		}
		p.registry.Gauge("phase", "Current attempt phase",
			Labels{"phase": ph.String()}).Set(v)
	}
}

// Observe updates metrics from one session event.
func (p *Proctor) Observe(e session.Event) {
	switch e.Type {
	case session.EventTick:
		p.RemainingSeconds.Set(e.RemainingSeconds)
	case session.EventPhase:
		p.SetPhase(e.Phase)
		if e.Phase == session.Submitted {
			p.Submissions.Inc()
		}
		if e.Phase.Terminal() {
			p.RemainingSeconds.Set(0)
		}
	case session.EventRecord:
		if e.Record == nil {
			return
		}
		if e.Record.Violation {
			p.Violation(e.Record.Kind)
		} else {
			p.Activity(e.Record.Activity)
		}
	}
}

// Follow observes events until the channel closes.
func (p *Proctor) Follow(events <-chan session.Event) {
	for e := range events {
		p.Observe(e)
	}
}

// Uptime returns the time since the metrics were created.
func (p *Proctor) Uptime() time.Duration { return time.Since(p.start) }
