package stream

import (
	"log/slog"
	"math"
	"sync"

	"github.com/fleetpulse/api/internal/domain"
)

const defaultWindowSize = 100

// Result describes what the processor observed for one sample.
type Result struct {
	Anomalous         bool
	WindowMean        float64
	WindowStdDev      float64
	HighErrorRate     bool
	LowCompletionRate bool
}

// Processor derives online signals from the live agent metric stream.
// It owns a bounded sliding window of response times per agent type;
// the windows are transient and rebuilt from the live stream after a
// restart.
type Processor struct {
	mu      sync.Mutex
	size    int
	windows map[domain.AgentType][]float64
	logger  *slog.Logger
}

// NewProcessor constructs a Processor with the given window size.
func NewProcessor(size int, logger *slog.Logger) *Processor {
	if size <= 0 {
		size = defaultWindowSize
	}
	if logger != nil {
		logger = logger.With("component", "stream_processor")
	}
	return &Processor{
		size:    size,
		windows: make(map[domain.AgentType][]float64),
		logger:  logger,
	}
}

// Process appends the sample's response time to its agent-type window,
// evicting the oldest value beyond the bound, and flags anomalies and
// rate conditions. Flags are observed side effects and never block
// ingestion.
func (p *Processor) Process(sample domain.AgentMetricSample) Result {
	value := sample.Metrics.ResponseTimeMS

	p.mu.Lock()
	window := append(p.windows[sample.AgentType], value)
	if len(window) > p.size {
		window = window[len(window)-p.size:]
	}
	p.windows[sample.AgentType] = window
	mean, stddev := meanStdDev(window)
	p.mu.Unlock()

	res := Result{
		WindowMean:        mean,
		WindowStdDev:      stddev,
		Anomalous:         stddev > 0 && value > mean+2*stddev,
		HighErrorRate:     sample.Metrics.ErrorRate > 10,
		LowCompletionRate: sample.Metrics.TaskCompletionRate < 80,
	}

	if p.logger != nil {
		if res.Anomalous {
			p.logger.Warn("response time anomaly",
				"agent_type", sample.AgentType, "agent_id", sample.AgentID,
				"response_time_ms", value, "window_mean", mean, "window_stddev", stddev)
		}
		if res.HighErrorRate {
			p.logger.Warn("high error rate",
				"agent_type", sample.AgentType, "agent_id", sample.AgentID,
				"error_rate", sample.Metrics.ErrorRate)
		}
		if res.LowCompletionRate {
			p.logger.Warn("low task completion rate",
				"agent_type", sample.AgentType, "agent_id", sample.AgentID,
				"task_completion_rate", sample.Metrics.TaskCompletionRate)
		}
	}
	return res
}

// WindowLen reports the current window length for an agent type.
func (p *Processor) WindowLen(agentType domain.AgentType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.windows[agentType])
}

// Score computes the derived performance score for a sample. It is a
// pure function of the sample: 100 minus staged penalties for slow
// responses, errors, and low completion, floored at 0.
func Score(sample domain.AgentMetricSample) float64 {
	score := 100.0
	m := sample.Metrics

	switch {
	case m.ResponseTimeMS > 5000:
		score -= 30
	case m.ResponseTimeMS > 3000:
		score -= 20
	case m.ResponseTimeMS > 1000:
		score -= 10
	}

	switch {
	case m.ErrorRate > 20:
		score -= 40
	case m.ErrorRate > 10:
		score -= 30
	case m.ErrorRate > 5:
		score -= 20
	case m.ErrorRate > 1:
		score -= 10
	}

	switch {
	case m.TaskCompletionRate < 50:
		score -= 30
	case m.TaskCompletionRate < 70:
		score -= 20
	case m.TaskCompletionRate < 90:
		score -= 10
	}

	if score < 0 {
		score = 0
	}
	return score
}

// meanStdDev returns the mean and population standard deviation.
func meanStdDev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}
