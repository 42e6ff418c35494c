package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all groupgate metrics instruments.
type Metrics struct {
	GatewayRequestDuration metric.Float64Histogram
	DispatchDuration       metric.Float64Histogram
	ContainerSpawnDuration metric.Float64Histogram
	ContainersActive       metric.Int64UpDownCounter
	MessagesProcessed      metric.Int64Counter
	QueueEnqueues          metric.Int64Counter
	ChannelSendErrors      metric.Int64Counter
	CredentialRefreshes    metric.Int64Counter
	ScheduledTaskRuns      metric.Int64Counter
	QuietTransitions       metric.Int64Counter
	RateLimitRejects       metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.GatewayRequestDuration, err = meter.Float64Histogram("groupgate.gateway.request.duration",
		metric.WithDescription("Gateway HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("groupgate.dispatch.duration",
		metric.WithDescription("Time from a group's message-check trigger to container completion, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ContainerSpawnDuration, err = meter.Float64Histogram("groupgate.container.spawn.duration",
		metric.WithDescription("Time to start a new per-group container, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ContainersActive, err = meter.Int64UpDownCounter("groupgate.container.active",
		metric.WithDescription("Number of currently running per-group containers"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesProcessed, err = meter.Int64Counter("groupgate.messages.processed",
		metric.WithDescription("Total chat messages appended to the store"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueEnqueues, err = meter.Int64Counter("groupgate.queue.enqueues",
		metric.WithDescription("Total message-check and task jobs enqueued per group"),
	)
	if err != nil {
		return nil, err
	}

	m.ChannelSendErrors, err = meter.Int64Counter("groupgate.channel.send_errors",
		metric.WithDescription("Outbound channel send failures (message, reaction, or typing indicator)"),
	)
	if err != nil {
		return nil, err
	}

	m.CredentialRefreshes, err = meter.Int64Counter("groupgate.credentials.refreshes",
		metric.WithDescription("Credential refresh attempts, successful or not"),
	)
	if err != nil {
		return nil, err
	}

	m.ScheduledTaskRuns, err = meter.Int64Counter("groupgate.scheduler.task_runs",
		metric.WithDescription("Scheduled task executions dispatched by the scheduler sweep"),
	)
	if err != nil {
		return nil, err
	}

	m.QuietTransitions, err = meter.Int64Counter("groupgate.quietperiod.transitions",
		metric.WithDescription("Quiet-period boundary crossings (either direction)"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("groupgate.gateway.ratelimit.rejects",
		metric.WithDescription("Gateway requests rejected by the per-key rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
