// Package observe holds the OpenTelemetry instruments shared by the hub and the
// voice client. The Prometheus bridge set up by [InitProvider] exposes them on
// /metrics. Tests should build their own [Metrics] with [NewMetrics] and a
// ManualReader instead of touching the global provider.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/dkeye/VoiceMesh"

// Metrics holds every instrument. Safe for concurrent use.
type Metrics struct {
	// HubParticipants is the number of sockets subscribed to a room.
	HubParticipants metric.Int64UpDownCounter

	// HubMessages counts messages relayed by the hub. Attribute: event.
	HubMessages metric.Int64Counter

	// HubDropped counts messages the hub refused. Attribute: reason.
	HubDropped metric.Int64Counter

	// PeerLinks is the number of live PeerLinks. Attribute: role.
	PeerLinks metric.Int64UpDownCounter

	// Negotiations counts finished negotiation steps. Attributes: role, outcome.
	Negotiations metric.Int64Counter

	// TalkStateChanges counts applied push-to-talk transitions. Attribute: talking.
	TalkStateChanges metric.Int64Counter
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.HubParticipants, err = m.Int64UpDownCounter("voicemesh.hub.participants",
		metric.WithDescription("Participants currently subscribed to a room."),
	); err != nil {
		return nil, err
	}
	if met.HubMessages, err = m.Int64Counter("voicemesh.hub.messages",
		metric.WithDescription("Signaling messages relayed by the hub, by event."),
	); err != nil {
		return nil, err
	}
	if met.HubDropped, err = m.Int64Counter("voicemesh.hub.dropped",
		metric.WithDescription("Signaling messages dropped by the hub, by reason."),
	); err != nil {
		return nil, err
	}
	if met.PeerLinks, err = m.Int64UpDownCounter("voicemesh.peer_links",
		metric.WithDescription("Live peer links, by role."),
	); err != nil {
		return nil, err
	}
	if met.Negotiations, err = m.Int64Counter("voicemesh.negotiations",
		metric.WithDescription("Negotiation attempts by role and outcome."),
	); err != nil {
		return nil, err
	}
	if met.TalkStateChanges, err = m.Int64Counter("voicemesh.talk_state.changes",
		metric.WithDescription("Applied push-to-talk transitions."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level instance built on the global
// meter provider. Panics if instrument creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

func (m *Metrics) RecordHubMessage(ctx context.Context, event string) {
	m.HubMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

func (m *Metrics) RecordHubDrop(ctx context.Context, reason string) {
	m.HubDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// PeerLinkOpened and PeerLinkClosed must be paired per link.
func (m *Metrics) PeerLinkOpened(ctx context.Context, role string) {
	m.PeerLinks.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

func (m *Metrics) PeerLinkClosed(ctx context.Context, role string) {
	m.PeerLinks.Add(ctx, -1, metric.WithAttributes(attribute.String("role", role)))
}

func (m *Metrics) RecordNegotiation(ctx context.Context, role, outcome string) {
	m.Negotiations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", role),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordTalkState(ctx context.Context, talking bool) {
	m.TalkStateChanges.Add(ctx, 1, metric.WithAttributes(attribute.Bool("talking", talking)))
}
