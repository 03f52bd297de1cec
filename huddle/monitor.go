package huddle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/teamgrid/huddle/peer"
)

// Quality is the advisory transport classification. It never gates
// admission or triggers renegotiation.
type Quality int

const (
	QualityUnknown Quality = iota
	QualityGood
	QualityDegraded
	QualityPoor
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityDegraded:
		return "degraded"
	case QualityPoor:
		return "poor"
	default:
		return "unknown"
	}
}

// ClassifyRTT maps a round-trip time in seconds onto the quality scale.
func ClassifyRTT(rtt float64) Quality {
	switch {
	case rtt <= 0:
		return QualityUnknown
	case rtt < 0.3:
		return QualityGood
	case rtt <= 0.6:
		return QualityDegraded
	default:
		return QualityPoor
	}
}

type MonitorConfig struct {
	Mesh  *peer.Mesh
	Media LocalMedia

	QualityInterval  time.Duration
	SpeakerInterval  time.Duration
	SpeakerThreshold float64

	// OnMediaFailure fires once when the local capture dies while the call
	// is active.
	OnMediaFailure func()

	OnSpeakingChange func(speaking bool)
}

// Monitor samples transport statistics from one representative connection
// and estimates local speaking activity from capture audio energy.
type Monitor struct {
	cfg MonitorConfig

	mu          sync.Mutex
	quality     Quality
	speaking    bool
	mediaFailed bool
}

func NewMonitor(cfg MonitorConfig) *Monitor {
	return &Monitor{cfg: cfg}
}

// Run polls until the context ends. Repeating lightweight ticks, no
// dedicated blocking work.
func (m *Monitor) Run(ctx context.Context) {
	qualityTicker := time.NewTicker(m.cfg.QualityInterval)
	speakerTicker := time.NewTicker(m.cfg.SpeakerInterval)
	defer qualityTicker.Stop()
	defer speakerTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-qualityTicker.C:
			m.sampleQuality()
		case <-speakerTicker.C:
			m.sampleSpeaker()
		}
	}
}

func (m *Monitor) sampleQuality() {
	rtt, ok := m.cfg.Mesh.QualityRTT()

	m.mu.Lock()
	prev := m.quality
	if ok {
		m.quality = ClassifyRTT(rtt)
	} else {
		m.quality = QualityUnknown
	}
	next := m.quality
	m.mu.Unlock()

	if next != prev {
		slog.Info("transport quality changed", "quality", next, "rtt", rtt)
	}
}

func (m *Monitor) sampleSpeaker() {
	if !m.cfg.Media.Live() {
		m.mu.Lock()
		failed := m.mediaFailed
		m.mediaFailed = true
		m.mu.Unlock()
		if !failed && m.cfg.OnMediaFailure != nil {
			m.cfg.OnMediaFailure()
		}
		return
	}

	speaking := m.cfg.Media.AudioEnergy() >= m.cfg.SpeakerThreshold

	m.mu.Lock()
	changed := speaking != m.speaking
	m.speaking = speaking
	cb := m.cfg.OnSpeakingChange
	m.mu.Unlock()

	if changed {
		slog.Debug("local speaking state changed", "speaking", speaking)
		if cb != nil {
			cb(speaking)
		}
	}
}

// Quality reports the latest classification.
func (m *Monitor) Quality() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quality
}

// Speaking reports the latest local active-speaker estimate.
func (m *Monitor) Speaking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speaking
}
