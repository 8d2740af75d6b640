package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"deskrelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubCapturer struct {
	calls atomic.Int32
	err   error
}

func (c *stubCapturer) Capture(_ context.Context, res domain.Resolution, quality float64) (domain.Frame, error) {
	c.calls.Add(1)
	if c.err != nil {
		return domain.Frame{}, c.err
	}
	return domain.Frame{
		Encoding: "jpeg",
		Width:    res.Width,
		Height:   res.Height,
		Quality:  int(quality * 100),
		Data:     []byte{0xff, 0xd8, 0xff, 0xd9},
	}, nil
}

type stubSink struct {
	mu   sync.Mutex
	err  error
	seqs []int64
}

func (s *stubSink) SendFrame(_ context.Context, _, _ domain.EndpointID, _ domain.Frame, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.seqs = append(s.seqs, seq)
	return nil
}

// relaySink delivers frames through a MessageRelay as best-effort envelopes.
type relaySink struct{ relay *MessageRelay }

func (s relaySink) SendFrame(ctx context.Context, from, to domain.EndpointID, frame domain.Frame, seq int64) error {
	env, err := domain.FrameEnvelope(frame, seq)
	if err != nil {
		return err
	}
	return s.relay.Relay(ctx, from, to, env, domain.BestEffort)
}

type adaptationLog struct {
	mu         sync.Mutex
	directions []string
	frames     map[string]int
}

func (l *adaptationLog) RecordFrame(outcome string, _ int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.frames == nil {
		l.frames = make(map[string]int)
	}
	l.frames[outcome]++
}

func (l *adaptationLog) RecordAdaptation(direction string, _ domain.StreamingSession) {
	l.mu.Lock()
	l.directions = append(l.directions, direction)
	l.mu.Unlock()
}

func activePairing() domain.Pairing {
	return domain.Pairing{
		ID:           "pair_0000000000000001",
		HostID:       "H1",
		ControllerID: "C1",
		State:        domain.PairingActive,
	}
}

// idleSession builds a session that no goroutine drives, so tests can step
// the capture and adaptation logic by hand.
func idleSession(f *FlowController, start time.Time) *streamSession {
	return &streamSession{
		state: domain.StreamingSession{
			ID:              "sess_test",
			PairingID:       "pair_0000000000000001",
			HostID:          "H1",
			ControllerID:    "C1",
			State:           domain.StreamCapturing,
			Quality:         f.cfg.InitialQuality,
			ResolutionIndex: f.cfg.InitialResolution,
			IntervalMs:      f.cfg.InitialIntervalMs,
			WindowStart:     start,
			StartedAt:       start,
		},
		done: make(chan struct{}),
	}
}

func newTestFlow(t *testing.T, capturer *stubCapturer, sink *stubSink) *FlowController {
	t.Helper()
	return NewFlowController(capturer, sink, DefaultFlowConfig(), zaptest.NewLogger(t).Sugar())
}

func TestFlowController_DowngradesOnLowDelivery(t *testing.T) {
	f := newTestFlow(t, &stubCapturer{}, &stubSink{})
	start := time.Now()
	s := idleSession(f, start)

	// Two frames in a one-second window at a 100ms interval.
	s.state.FramesSent = 2
	s.state.LastSuccessfulSendAt = start.Add(900 * time.Millisecond)

	direction := f.adapt(s, start.Add(time.Second))
	assert.Equal(t, AdaptDowngrade, direction)

	st := s.snapshot()
	assert.InDelta(t, 0.6, st.Quality, 1e-9)
	assert.Equal(t, 1, st.ResolutionIndex)
	assert.Equal(t, domain.Resolution{Width: 960, Height: 540}, st.Resolution())
	assert.Equal(t, 150, st.IntervalMs)
	assert.Equal(t, 0, st.FramesSent)
	assert.Equal(t, domain.StreamCapturing, st.State)
}

func TestFlowController_DowngradesWhenStale(t *testing.T) {
	f := newTestFlow(t, &stubCapturer{}, &stubSink{})
	start := time.Now()
	s := idleSession(f, start)

	s.state.FramesSent = 10
	s.state.LastSuccessfulSendAt = start.Add(-3 * time.Second)

	assert.Equal(t, AdaptDowngrade, f.adapt(s, start.Add(time.Second)))
}

func TestFlowController_UpgradeNeedsHealthyStreak(t *testing.T) {
	f := newTestFlow(t, &stubCapturer{}, &stubSink{})
	now := time.Now()
	s := idleSession(f, now)

	healthyWindow := func() string {
		s.state.FramesSent = 10
		now = now.Add(time.Second)
		s.state.LastSuccessfulSendAt = now
		return f.adapt(s, now)
	}

	assert.Equal(t, AdaptHold, healthyWindow())
	assert.Equal(t, AdaptUpgrade, healthyWindow())
	st := s.snapshot()
	assert.InDelta(t, 0.8, st.Quality, 1e-9)
	assert.Equal(t, 3, st.ResolutionIndex)
	assert.Equal(t, 50, st.IntervalMs)

	// The streak restarts after an adjustment.
	assert.Equal(t, AdaptHold, healthyWindow())
	assert.Equal(t, AdaptUpgrade, healthyWindow())
	st = s.snapshot()
	assert.InDelta(t, 0.9, st.Quality, 1e-9)
	assert.Equal(t, 4, st.ResolutionIndex)

	// Everything is at its ceiling.
	assert.Equal(t, AdaptHold, healthyWindow())
	assert.Equal(t, AdaptHold, healthyWindow())
}

func TestFlowController_AdaptationIsMonotonic(t *testing.T) {
	f := newTestFlow(t, &stubCapturer{}, &stubSink{})
	now := time.Now()
	s := idleSession(f, now)

	prev := s.snapshot()
	for range 12 {
		now = now.Add(time.Second)
		f.adapt(s, now)
		st := s.snapshot()

		assert.LessOrEqual(t, st.Quality, prev.Quality)
		assert.LessOrEqual(t, st.ResolutionIndex, prev.ResolutionIndex)
		assert.GreaterOrEqual(t, st.IntervalMs, prev.IntervalMs)
		assert.LessOrEqual(t, prev.Quality-st.Quality, f.cfg.QualityStep+1e-9)
		assert.LessOrEqual(t, prev.ResolutionIndex-st.ResolutionIndex, 1)
		assert.LessOrEqual(t, st.IntervalMs-prev.IntervalMs, f.cfg.IntervalStepMs)
		prev = st
	}

	assert.InDelta(t, f.cfg.MinQuality, prev.Quality, 1e-9)
	assert.Equal(t, 0, prev.ResolutionIndex)
	assert.Equal(t, f.cfg.MaxIntervalMs, prev.IntervalMs)
}

func TestFlowController_CaptureOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		captureErr error
		sendErr    error
		wantSent   int
		wantMissed int
		outcome    string
	}{
		{"delivered", nil, nil, 1, 0, FrameSent},
		{"capture failure", domain.ErrCaptureFailure, nil, 0, 1, FrameCaptureFailed},
		{"dropped under backpressure", nil, domain.ErrDropped, 0, 1, FrameDropped},
		{"transport error", nil, domain.ErrTransportClosed, 0, 1, FrameSendFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestFlow(t, &stubCapturer{err: tt.captureErr}, &stubSink{err: tt.sendErr})
			log := &adaptationLog{}
			f.SetObserver(log)
			s := idleSession(f, time.Now())

			f.captureTick(context.Background(), s)

			st := s.snapshot()
			assert.Equal(t, tt.wantSent, st.FramesSent)
			assert.Equal(t, tt.wantMissed, st.FramesMissed)
			assert.Equal(t, 1, log.frames[tt.outcome])
			if tt.wantSent > 0 {
				assert.False(t, st.LastSuccessfulSendAt.IsZero())
			}
		})
	}
}

func fastFlowConfig() FlowConfig {
	cfg := DefaultFlowConfig()
	cfg.InitialIntervalMs = 10
	cfg.MinIntervalMs = 10
	cfg.IntervalStepMs = 10
	cfg.AdaptEvery = 50 * time.Millisecond
	return cfg
}

func TestFlowController_StartStop(t *testing.T) {
	capturer := &stubCapturer{}
	sink := &stubSink{}
	f := NewFlowController(capturer, sink, fastFlowConfig(), zaptest.NewLogger(t).Sugar())

	id, err := f.Start(context.Background(), activePairing())
	require.NoError(t, err)

	again, err := f.Start(context.Background(), activePairing())
	require.NoError(t, err)
	assert.Equal(t, id, again)

	require.Eventually(t, func() bool { return capturer.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)

	snap, err := f.Session(id)
	require.NoError(t, err)
	assert.Greater(t, snap.TotalFrames, int64(0))

	assert.True(t, f.Stop(id, domain.ReasonRequested))
	assert.False(t, f.Stop(id, domain.ReasonRequested))
	stoppedAt := capturer.calls.Load()

	time.Sleep(60 * time.Millisecond)
	assert.LessOrEqual(t, capturer.calls.Load(), stoppedAt+1, "no ticks after stop")

	_, err = f.Session(id)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.Empty(t, f.Sessions())

	// Sequence numbers are strictly increasing.
	sink.mu.Lock()
	for i := 1; i < len(sink.seqs); i++ {
		assert.Greater(t, sink.seqs[i], sink.seqs[i-1])
	}
	sink.mu.Unlock()
}

func TestFlowController_RejectsInactivePairing(t *testing.T) {
	f := newTestFlow(t, &stubCapturer{}, &stubSink{})
	p := activePairing()
	p.State = domain.PairingTornDown

	_, err := f.Start(context.Background(), p)
	assert.ErrorIs(t, err, domain.ErrNotPaired)
}

func TestFlowController_PeerLost(t *testing.T) {
	sink := &stubSink{err: domain.ErrUnknownDestination}
	f := NewFlowController(&stubCapturer{}, sink, fastFlowConfig(), zaptest.NewLogger(t).Sugar())

	lost := make(chan domain.PairingID, 1)
	f.OnPeerLost(func(_ context.Context, id domain.PairingID) { lost <- id })

	id, err := f.Start(context.Background(), activePairing())
	require.NoError(t, err)

	select {
	case pid := <-lost:
		assert.Equal(t, activePairing().ID, pid)
	case <-time.After(time.Second):
		t.Fatal("peer loss not reported")
	}
	_, err = f.Session(id)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestFlowController_AdaptsWhileRunning(t *testing.T) {
	// Every frame is dropped, so every window is unhealthy.
	sink := &stubSink{err: domain.ErrDropped}
	log := &adaptationLog{}
	f := NewFlowController(&stubCapturer{}, sink, fastFlowConfig(), zaptest.NewLogger(t).Sugar())
	f.SetObserver(log)

	id, err := f.Start(context.Background(), activePairing())
	require.NoError(t, err)
	defer f.Stop(id, domain.ReasonShutdown)

	require.Eventually(t, func() bool {
		st, err := f.Session(id)
		return err == nil && st.ResolutionIndex == 0
	}, 2*time.Second, 10*time.Millisecond)

	log.mu.Lock()
	defer log.mu.Unlock()
	assert.NotContains(t, log.directions, AdaptUpgrade)
}

func TestFlowController_StopsOnPairingTeardown(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	registry := NewEndpointRegistry()
	relay := NewMessageRelay(registry, nil, logger)
	coordinator := NewPairingCoordinator(registry, relay, domain.PolicyReject, logger)
	flow := NewFlowController(&stubCapturer{}, relaySink{relay}, fastFlowConfig(), logger)
	coordinator.OnTeardown(flow.HandleTeardown)
	flow.OnPeerLost(func(ctx context.Context, id domain.PairingID) {
		coordinator.Teardown(ctx, id, domain.ReasonPeerLost)
	})

	_, _ = registry.Register("H1", &fakeConn{})
	_, _ = registry.SetRole("H1", domain.RoleHost)
	ctrl := &autoDrainConn{}
	_, _ = registry.Register("C1", ctrl)

	p, err := coordinator.RequestPairing(context.Background(), "C1", "H1")
	require.NoError(t, err)
	id, err := flow.Start(context.Background(), p)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return ctrl.bestEffortCount() > 0 }, time.Second, 5*time.Millisecond)

	registry.Remove("C1")
	coordinator.TeardownEndpoint(context.Background(), "C1", domain.ReasonControllerLeft)

	_, err = flow.Session(id)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestFlowController_RelayDropsCountAgainstWindow(t *testing.T) {
	f := newTestFlow(t, &stubCapturer{}, &stubSink{})
	log := &adaptationLog{}
	f.SetObserver(log)
	start := time.Now()
	s := idleSession(f, start)
	f.sessions[s.state.ID] = s
	f.byPairing[s.state.PairingID] = s.state.ID

	// Every frame left the host, but the relay dropped nine of them.
	s.state.FramesSent = 10
	s.state.LastSuccessfulSendAt = start.Add(900 * time.Millisecond)
	assert.True(t, f.ReportDropped(s.state.PairingID, 9))

	st := s.snapshot()
	assert.Equal(t, 1, st.FramesSent)
	assert.Equal(t, 9, st.FramesMissed)
	assert.Equal(t, 9, log.frames[FrameRelayDropped])

	assert.Equal(t, AdaptDowngrade, f.adapt(s, start.Add(time.Second)))

	// Late reports never drive the window negative.
	assert.True(t, f.ReportDropped(s.state.PairingID, 5))
	assert.Equal(t, 0, s.snapshot().FramesSent)

	assert.False(t, f.ReportDropped(s.state.PairingID, 0))
	assert.False(t, f.ReportDropped("pair_unknown", 3))
}

func TestFlowController_ClampsInitialResolution(t *testing.T) {
	cfg := fastFlowConfig()
	cfg.InitialResolution = 9
	f := NewFlowController(&stubCapturer{}, &stubSink{}, cfg, zaptest.NewLogger(t).Sugar())

	id, err := f.Start(context.Background(), activePairing())
	require.NoError(t, err)
	t.Cleanup(func() { f.Stop(id, domain.ReasonRequested) })

	snap, err := f.Session(id)
	require.NoError(t, err)
	assert.Equal(t, len(domain.ResolutionPresets)-1, snap.ResolutionIndex)

	// One downgrade now really shrinks the frame.
	st := snap
	require.True(t, f.downgrade(&st))
	assert.Equal(t, domain.ResolutionPresets[len(domain.ResolutionPresets)-2], st.Resolution())
}
