package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	DefaultInterval  = 5 * time.Second
	DefaultThreshold = 10
)

// QueueInspector reads queue counters from the broker.
type QueueInspector interface {
	GetQueue(ctx context.Context, vhost, name string) (*QueueInfo, error)
}

// Recorder receives depth samples and alerts.
type Recorder interface {
	WaitQueueDepth(queue string, depth int)
	WaitQueueAlert(queue string)
}

type Config struct {
	Inspector QueueInspector
	Recorder  Recorder
	Logger    *slog.Logger
	VHost     string
	Queues    []string
	Interval  time.Duration
	Threshold int
}

// Monitor periodically samples the wait queues and raises an alert when a
// queue holds more than Threshold messages.
type Monitor struct {
	inspector QueueInspector
	recorder  Recorder
	logger    *slog.Logger
	vhost     string
	queues    []string
	interval  time.Duration
	threshold int
}

func New(cfg Config) (*Monitor, error) {
	if cfg.Inspector == nil {
		return nil, errors.New("monitor: inspector is required")
	}
	if len(cfg.Queues) == 0 {
		return nil, errors.New("monitor: at least one queue is required")
	}

	m := &Monitor{
		inspector: cfg.Inspector,
		recorder:  cfg.Recorder,
		logger:    cfg.Logger,
		vhost:     cfg.VHost,
		queues:    append([]string(nil), cfg.Queues...),
		interval:  cfg.Interval,
		threshold: cfg.Threshold,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.vhost == "" {
		m.vhost = "/"
	}
	if m.interval <= 0 {
		m.interval = DefaultInterval
	}
	if m.threshold <= 0 {
		m.threshold = DefaultThreshold
	}
	return m, nil
}

// Run polls until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("Queue monitor started",
		slog.Any("queues", m.queues),
		slog.Duration("interval", m.interval),
		slog.Int("threshold", m.threshold))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Queue monitor stopped")
			return
		case <-ticker.C:
			m.CheckOnce(ctx)
		}
	}
}

// CheckOnce samples every queue once and returns the number of alerts raised.
func (m *Monitor) CheckOnce(ctx context.Context) int {
	alerts := 0
	for _, queue := range m.queues {
		info, err := m.inspector.GetQueue(ctx, m.vhost, queue)
		if err != nil {
			m.logger.Error("Failed to fetch queue status",
				slog.String("queue", queue),
				slog.String("error", err.Error()))
			continue
		}

		m.logger.Info("Queue status",
			slog.String("queue", queue),
			slog.Int("total", info.Messages),
			slog.Int("ready", info.MessagesReady),
			slog.Int("unacked", info.MessagesUnacknowledged))

		if m.recorder != nil {
			m.recorder.WaitQueueDepth(queue, info.Messages)
		}

		if info.Messages > m.threshold {
			alerts++
			m.logger.Warn("Queue size exceeded threshold",
				slog.String("queue", queue),
				slog.Int("messages", info.Messages),
				slog.Int("threshold", m.threshold))
			if m.recorder != nil {
				m.recorder.WaitQueueAlert(queue)
			}
		}
	}
	return alerts
}
