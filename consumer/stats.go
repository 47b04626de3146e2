package consumer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// StatsReceiver observes consumer activity. Implementations must be safe for
// concurrent use and must not block.
type StatsReceiver interface {
	Checkpoint()
	EventToClient(inserted, retrieved time.Time)
	EventsFromKinesis(num int, shardID string, lag time.Duration)
	LeadershipChanged(leader bool)
	PlanPublished(version int64, shards, workers int)
}

type NopStats struct{}

func (NopStats) Checkpoint() {}
func (NopStats) EventToClient(inserted, retrieved time.Time) {}
func (NopStats) EventsFromKinesis(int, string, time.Duration) {}
func (NopStats) LeadershipChanged(bool) {}
func (NopStats) PlanPublished(version int64, shards, workers int) {}

// LoggingStats writes every observation to a zap logger at debug level,
// except leadership changes and published plans which are logged at info.
type LoggingStats struct {
	logger *zap.Logger
}

func NewLoggingStats(logger *zap.Logger) *LoggingStats {
	return &LoggingStats{logger: logger.Named("stats")}
}

func (s *LoggingStats) Checkpoint() {
	s.logger.Debug("checkpoint passed")
}

func (s *LoggingStats) EventToClient(inserted, retrieved time.Time) {
	s.logger.Debug("event to client", zap.Time("inserted", inserted), zap.Time("retrieved", retrieved))
}

func (s *LoggingStats) EventsFromKinesis(num int, shardID string, lag time.Duration) {
	if lag > 0 {
		s.logger.Debug("events from kinesis", zap.Int("count", num), zap.String("shard-id", shardID), zap.Duration("lag", lag))
	}
}

func (s *LoggingStats) LeadershipChanged(leader bool) {
	s.logger.Info("leadership changed", zap.Bool("leader", leader))
}

func (s *LoggingStats) PlanPublished(version int64, shards, workers int) {
	s.logger.Info("plan published", zap.Int64("plan-version", version), zap.Int("shards", shards), zap.Int("workers", workers))
}

type PrometheusStats struct {
	checkpoints   prometheus.Counter
	records       *prometheus.CounterVec
	lag           *prometheus.GaugeVec
	deliveryDelay prometheus.Histogram
	leader        prometheus.Gauge
	planVersion   prometheus.Gauge
	planShards    prometheus.Gauge
	planWorkers   prometheus.Gauge
}

// NewPrometheusStats registers the consumer metrics with reg.
func NewPrometheusStats(reg prometheus.Registerer) (*PrometheusStats, error) {
	s := &PrometheusStats{
		checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardherd_checkpoints_total",
			Help: "Checkpoints written",
		}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardherd_records_total",
			Help: "Records read from the stream",
		}, []string{"shard_id"}),
		lag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shardherd_millis_behind_latest",
			Help: "How far the processor of a shard is behind the tip of the stream",
		}, []string{"shard_id"}),
		deliveryDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shardherd_delivery_delay_seconds",
			Help:    "Time between a record arriving in the stream and its delivery to the batch processor",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		leader: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardherd_leader",
			Help: "1 when this worker holds the leader lease",
		}),
		planVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardherd_plan_version",
			Help: "Version of the last plan published by this worker",
		}),
		planShards: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardherd_plan_shards",
			Help: "Shards in the last plan published by this worker",
		}),
		planWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardherd_plan_workers",
			Help: "Live workers in the last plan published by this worker",
		}),
	}
	collectors := []prometheus.Collector{
		s.checkpoints, s.records, s.lag, s.deliveryDelay, s.leader, s.planVersion, s.planShards, s.planWorkers,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *PrometheusStats) Checkpoint() {
	s.checkpoints.Inc()
}

func (s *PrometheusStats) EventToClient(inserted, retrieved time.Time) {
	s.deliveryDelay.Observe(retrieved.Sub(inserted).Seconds())
}

func (s *PrometheusStats) EventsFromKinesis(num int, shardID string, lag time.Duration) {
	s.records.WithLabelValues(shardID).Add(float64(num))
	s.lag.WithLabelValues(shardID).Set(float64(lag.Milliseconds()))
}

func (s *PrometheusStats) LeadershipChanged(leader bool) {
	if leader {
		s.leader.Set(1)
	} else {
		s.leader.Set(0)
	}
}

func (s *PrometheusStats) PlanPublished(version int64, shards, workers int) {
	s.planVersion.Set(float64(version))
	s.planShards.Set(float64(shards))
	s.planWorkers.Set(float64(workers))
}

// MultiStats fans observations out to several receivers.
type MultiStats []StatsReceiver

func (m MultiStats) Checkpoint() {
	for _, s := range m {
		s.Checkpoint()
	}
}

func (m MultiStats) EventToClient(inserted, retrieved time.Time) {
	for _, s := range m {
		s.EventToClient(inserted, retrieved)
	}
}

func (m MultiStats) EventsFromKinesis(num int, shardID string, lag time.Duration) {
	for _, s := range m {
		s.EventsFromKinesis(num, shardID, lag)
	}
}

func (m MultiStats) LeadershipChanged(leader bool) {
	for _, s := range m {
		s.LeadershipChanged(leader)
	}
}

func (m MultiStats) PlanPublished(version int64, shards, workers int) {
	for _, s := range m {
		s.PlanPublished(version, shards, workers)
	}
}
