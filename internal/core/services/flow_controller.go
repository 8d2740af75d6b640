package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"deskrelay/internal/core/domain"
	"deskrelay/internal/core/ports"
	"deskrelay/pkg/utils"

	"go.uber.org/zap"
)

// FlowConfig bounds the adaptive parameters of a streaming session.
type FlowConfig struct {
	InitialQuality float64
	MinQuality     float64
	MaxQuality     float64
	QualityStep    float64

	InitialResolution int

	InitialIntervalMs int
	MinIntervalMs     int
	MaxIntervalMs     int
	IntervalStepMs    int

	AdaptEvery          time.Duration
	MinFramesPerWindow  int
	StaleAfter          time.Duration
	UpgradeAfterWindows int
}

func DefaultFlowConfig() FlowConfig {
	return FlowConfig{
		InitialQuality:      0.7,
		MinQuality:          0.3,
		MaxQuality:          0.9,
		QualityStep:         0.1,
		InitialResolution:   2, // 1280x720
		InitialIntervalMs:   100,
		MinIntervalMs:       50,
		MaxIntervalMs:       500,
		IntervalStepMs:      50,
		AdaptEvery:          time.Second,
		MinFramesPerWindow:  5,
		StaleAfter:          2 * time.Second,
		UpgradeAfterWindows: 2,
	}
}

// FlowObserver receives per-frame outcomes and adaptation decisions.
type FlowObserver interface {
	RecordFrame(outcome string, bytes int)
	RecordAdaptation(direction string, s domain.StreamingSession)
}

// PeerLostFunc is called when the controller of a session disappears
// mid-stream so the pairing can be torn down.
type PeerLostFunc func(ctx context.Context, pairingID domain.PairingID)

// Frame outcomes reported to the observer.
const (
	FrameSent          = "sent"
	FrameDropped       = "dropped"
	FrameCaptureFailed = "capture_failed"
	FrameSendFailed    = "send_failed"
	// FrameRelayDropped counts frames the sink accepted that the relay
	// later reported as dropped.
	FrameRelayDropped = "relay_dropped"
)

// Adaptation directions reported to the observer.
const (
	AdaptDowngrade = "downgrade"
	AdaptUpgrade   = "upgrade"
	AdaptHold      = "hold"
)

type streamSession struct {
	mu            sync.Mutex
	state         domain.StreamingSession
	healthyStreak int

	stopped atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc
}

func (s *streamSession) snapshot() domain.StreamingSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// FlowController drives the host-side capture loop for every streaming
// session. Each session runs on its own goroutine, which owns both the
// capture timer and the adaptation ticker, so the two never overlap for one
// session while separate sessions run in parallel.
type FlowController struct {
	capturer ports.Capturer
	sink     ports.FrameSink
	cfg      FlowConfig
	logger   *zap.SugaredLogger
	observer FlowObserver
	onLost   PeerLostFunc
	now      func() time.Time

	mu        sync.Mutex
	sessions  map[domain.SessionID]*streamSession
	byPairing map[domain.PairingID]domain.SessionID
}

func NewFlowController(capturer ports.Capturer, sink ports.FrameSink, cfg FlowConfig, logger *zap.SugaredLogger) *FlowController {
	return &FlowController{
		capturer:  capturer,
		sink:      sink,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		sessions:  make(map[domain.SessionID]*streamSession),
		byPairing: make(map[domain.PairingID]domain.SessionID),
	}
}

func (f *FlowController) SetObserver(o FlowObserver) {
	f.observer = o
}

func (f *FlowController) OnPeerLost(fn PeerLostFunc) {
	f.onLost = fn
}

// Start begins streaming for an active pairing. Starting a pairing that is
// already streaming returns the running session.
func (f *FlowController) Start(ctx context.Context, p domain.Pairing) (domain.SessionID, error) {
	if p.State != domain.PairingActive {
		return "", fmt.Errorf("%w: pairing %s is %s", domain.ErrNotPaired, p.ID, p.State)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	f.mu.Lock()
	if id, exists := f.byPairing[p.ID]; exists {
		f.mu.Unlock()
		cancel()
		return id, nil
	}

	now := f.now()
	s := &streamSession{
		state: domain.StreamingSession{
			ID:              domain.SessionID(utils.GenerateSessionID()),
			PairingID:       p.ID,
			HostID:          p.HostID,
			ControllerID:    p.ControllerID,
			State:           domain.StreamCapturing,
			Quality:         f.cfg.InitialQuality,
			ResolutionIndex: f.cfg.InitialResolution,
			IntervalMs:      f.cfg.InitialIntervalMs,
			WindowStart:     now,
			StartedAt:       now,
		},
		done:   make(chan struct{}),
		cancel: cancel,
	}
	f.sessions[s.state.ID] = s
	f.byPairing[p.ID] = s.state.ID
	snap := s.state
	f.mu.Unlock()

	go f.run(runCtx, s)

	f.logger.Infow("streaming started",
		"session_id", snap.ID,
		"pairing_id", p.ID,
		"controller_id", p.ControllerID,
		"resolution", snap.Resolution().String(),
		"quality", snap.Quality,
		"interval_ms", snap.IntervalMs,
	)
	return snap.ID, nil
}

func (f *FlowController) run(ctx context.Context, s *streamSession) {
	capture := time.NewTimer(s.snapshot().Interval())
	adapt := time.NewTicker(f.cfg.AdaptEvery)
	defer capture.Stop()
	defer adapt.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-capture.C:
			if s.stopped.Load() {
				return
			}
			f.captureTick(ctx, s)
			if s.stopped.Load() {
				return
			}
			// The next delay comes from the session, which adaptation may
			// have changed since the last tick.
			capture.Reset(s.snapshot().Interval())
		case <-adapt.C:
			if s.stopped.Load() {
				return
			}
			f.adapt(s, f.now())
		}
	}
}

func (f *FlowController) captureTick(ctx context.Context, s *streamSession) {
	snap := s.snapshot()
	frame, err := f.capturer.Capture(ctx, snap.Resolution(), snap.Quality)
	if err != nil {
		f.logger.Warnw("capture failed",
			"session_id", snap.ID,
			"error", err,
		)
		f.missed(s, FrameCaptureFailed, 0)
		return
	}

	err = f.sink.SendFrame(ctx, snap.HostID, snap.ControllerID, frame, snap.TotalFrames+1)
	switch {
	case err == nil:
		s.mu.Lock()
		s.state.FramesSent++
		s.state.TotalFrames++
		s.state.LastSuccessfulSendAt = f.now()
		s.mu.Unlock()
		f.recordFrame(FrameSent, len(frame.Data))
	case errors.Is(err, domain.ErrDropped):
		f.missed(s, FrameDropped, len(frame.Data))
	case errors.Is(err, domain.ErrUnknownDestination):
		f.logger.Infow("controller gone, stopping stream",
			"session_id", snap.ID,
			"controller_id", snap.ControllerID,
		)
		f.stop(s, domain.ReasonPeerLost)
		if f.onLost != nil {
			// stop cancelled ctx; the teardown still has to reach the host.
			f.onLost(context.WithoutCancel(ctx), snap.PairingID)
		}
	default:
		f.logger.Warnw("frame send failed",
			"session_id", snap.ID,
			"error", err,
		)
		f.missed(s, FrameSendFailed, len(frame.Data))
	}
}

// ReportDropped takes n frames that the sink accepted for pairingID back out
// of the current window once the relay reports it dropped them. It reports
// false when no session streams for the pairing.
func (f *FlowController) ReportDropped(pairingID domain.PairingID, n int) bool {
	if n <= 0 {
		return false
	}
	f.mu.Lock()
	id, exists := f.byPairing[pairingID]
	s := f.sessions[id]
	f.mu.Unlock()
	if !exists || s == nil {
		return false
	}

	s.mu.Lock()
	s.state.FramesSent = max(0, s.state.FramesSent-n)
	s.state.FramesMissed += n
	s.mu.Unlock()
	for range n {
		f.recordFrame(FrameRelayDropped, 0)
	}
	return true
}

func (f *FlowController) missed(s *streamSession, outcome string, bytes int) {
	s.mu.Lock()
	s.state.FramesMissed++
	s.mu.Unlock()
	f.recordFrame(outcome, bytes)
}

// adapt closes the current window and moves every parameter at most one
// step in a single direction.
func (f *FlowController) adapt(s *streamSession, now time.Time) string {
	s.mu.Lock()
	st := &s.state
	st.State = domain.StreamAdapting

	expected := int(now.Sub(st.WindowStart) / st.Interval())
	threshold := min(f.cfg.MinFramesPerWindow, expected/2)
	if threshold < 1 {
		threshold = 1
	}
	last := st.LastSuccessfulSendAt
	if last.IsZero() {
		last = st.StartedAt
	}
	stale := now.Sub(last) > f.cfg.StaleAfter
	healthy := st.FramesSent >= threshold && !stale

	direction := AdaptHold
	if !healthy {
		s.healthyStreak = 0
		if f.downgrade(st) {
			direction = AdaptDowngrade
		}
	} else {
		s.healthyStreak++
		if s.healthyStreak >= f.cfg.UpgradeAfterWindows {
			s.healthyStreak = 0
			if f.upgrade(st) {
				direction = AdaptUpgrade
			}
		}
	}

	delivered := st.FramesSent
	st.FramesSent = 0
	st.FramesMissed = 0
	st.WindowStart = now
	st.State = domain.StreamCapturing
	snap := *st
	s.mu.Unlock()

	if direction != AdaptHold {
		f.logger.Infow("stream adapted",
			"session_id", snap.ID,
			"direction", direction,
			"delivered", delivered,
			"threshold", threshold,
			"stale", stale,
			"quality", snap.Quality,
			"resolution", snap.Resolution().String(),
			"interval_ms", snap.IntervalMs,
		)
	}
	if f.observer != nil {
		f.observer.RecordAdaptation(direction, snap)
	}
	return direction
}

func (f *FlowController) downgrade(st *domain.StreamingSession) bool {
	changed := false
	if q := roundQuality(math.Max(f.cfg.MinQuality, st.Quality-f.cfg.QualityStep)); q != st.Quality {
		st.Quality = q
		changed = true
	}
	if st.ResolutionIndex > 0 {
		st.ResolutionIndex--
		changed = true
	}
	if iv := min(f.cfg.MaxIntervalMs, st.IntervalMs+f.cfg.IntervalStepMs); iv != st.IntervalMs {
		st.IntervalMs = iv
		changed = true
	}
	return changed
}

func (f *FlowController) upgrade(st *domain.StreamingSession) bool {
	changed := false
	if q := roundQuality(math.Min(f.cfg.MaxQuality, st.Quality+f.cfg.QualityStep)); q != st.Quality {
		st.Quality = q
		changed = true
	}
	if st.ResolutionIndex < len(domain.ResolutionPresets)-1 {
		st.ResolutionIndex++
		changed = true
	}
	if iv := max(f.cfg.MinIntervalMs, st.IntervalMs-f.cfg.IntervalStepMs); iv != st.IntervalMs {
		st.IntervalMs = iv
		changed = true
	}
	return changed
}

func clampPreset(i int) int {
	return min(max(i, 0), len(domain.ResolutionPresets)-1)
}

func roundQuality(q float64) float64 {
	return math.Round(q*100) / 100
}

// Stop ends a session. Stopping an unknown or already stopped session is a
// no-op that reports false.
func (f *FlowController) Stop(id domain.SessionID, reason string) bool {
	f.mu.Lock()
	s, exists := f.sessions[id]
	f.mu.Unlock()
	if !exists {
		return false
	}
	return f.stop(s, reason)
}

// StopPairing stops the session streaming for pairingID, if any.
func (f *FlowController) StopPairing(pairingID domain.PairingID, reason string) bool {
	f.mu.Lock()
	id, exists := f.byPairing[pairingID]
	f.mu.Unlock()
	if !exists {
		return false
	}
	return f.Stop(id, reason)
}

// StopAll stops every running session, e.g. when the host loses its relay.
func (f *FlowController) StopAll(reason string) int {
	f.mu.Lock()
	all := make([]*streamSession, 0, len(f.sessions))
	for _, s := range f.sessions {
		all = append(all, s)
	}
	f.mu.Unlock()

	n := 0
	for _, s := range all {
		if f.stop(s, reason) {
			n++
		}
	}
	return n
}

// HandleTeardown is a pairing teardown listener.
func (f *FlowController) HandleTeardown(p domain.Pairing, reason string) {
	f.StopPairing(p.ID, reason)
}

func (f *FlowController) stop(s *streamSession, reason string) bool {
	if !s.stopped.CompareAndSwap(false, true) {
		return false
	}
	close(s.done)
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	s.state.State = domain.StreamStopped
	snap := s.state
	s.mu.Unlock()

	f.mu.Lock()
	delete(f.sessions, snap.ID)
	if f.byPairing[snap.PairingID] == snap.ID {
		delete(f.byPairing, snap.PairingID)
	}
	f.mu.Unlock()

	f.logger.Infow("streaming stopped",
		"session_id", snap.ID,
		"pairing_id", snap.PairingID,
		"reason", reason,
		"frames", snap.TotalFrames,
	)
	return true
}

// Session returns a snapshot of a running session.
func (f *FlowController) Session(id domain.SessionID) (domain.StreamingSession, error) {
	f.mu.Lock()
	s, exists := f.sessions[id]
	f.mu.Unlock()
	if !exists {
		return domain.StreamingSession{}, domain.ErrSessionNotFound
	}
	return s.snapshot(), nil
}

func (f *FlowController) Sessions() []domain.StreamingSession {
	f.mu.Lock()
	all := make([]*streamSession, 0, len(f.sessions))
	for _, s := range f.sessions {
		all = append(all, s)
	}
	f.mu.Unlock()

	out := make([]domain.StreamingSession, 0, len(all))
	for _, s := range all {
		out = append(out, s.snapshot())
	}
	return out
}

func (f *FlowController) recordFrame(outcome string, bytes int) {
	if f.observer != nil {
		f.observer.RecordFrame(outcome, bytes)
	}
}
