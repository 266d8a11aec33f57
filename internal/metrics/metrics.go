package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_sessions_active",
		Help: "Currently active conversation sessions",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_sessions_total",
		Help: "Total conversation sessions started",
	})

	ContinuationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_continuations_total",
		Help: "Successor sessions started at the duration ceiling",
	})

	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_turns_total",
		Help: "Completed user turns by end reason",
	}, []string{"reason"})

	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_audio_frames_dropped_total",
		Help: "Capture frames dropped because the frame channel was full",
	})

	AudioChunksSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_audio_chunks_sent_total",
		Help: "Outbound audioInput chunks delivered to the model stream",
	})

	ChunksDeferred = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_audio_chunks_deferred_total",
		Help: "Pacer ticks where a ready chunk was deferred by backpressure",
	})

	OutboundEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_outbound_events_total",
		Help: "Protocol events written to the model stream by type",
	}, []string{"type"})

	InboundEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_inbound_events_total",
		Help: "Protocol events received from the model stream by type",
	}, []string{"type"})

	InboundParseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_inbound_parse_errors_total",
		Help: "Malformed inbound payloads discarded",
	})

	TokensUsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_model_tokens_total",
		Help: "Token usage reported by the model by direction",
	}, []string{"direction"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_outbound_queue_depth",
		Help: "Outbound queue depth sampled at each pacer tick",
	})

	EventsDroppedByDispatch = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_dispatch_events_dropped_total",
		Help: "Domain events dropped because a consumer queue was full",
	})
)
