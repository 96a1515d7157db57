// Package call implements two-party voice calls: the per-call negotiation
// state machine (Session), the call table that routes signaling to it
// (Manager) and the HTTP control surface.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/silviot/voicecall/internal/observe"
	"github.com/silviot/voicecall/pkg/signaling"
	"github.com/silviot/voicecall/pkg/track"
	rtc "github.com/silviot/voicecall/pkg/webrtc"
)

// PeerFactory builds peer connections. *rtc.Factory implements it.
type PeerFactory interface {
	NewPeerConnection() (rtc.PeerConnection, error)
}

// RemoteTrack is an inbound media track. *webrtc.TrackRemote implements it.
type RemoteTrack interface {
	track.RTPReader
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	ID() string
}

// Media owns the audio adapters of one call.
type Media interface {
	// LocalTrack is attached to every peer connection the session builds.
	LocalTrack() webrtc.TrackLocal

	// StartCapture opens the playback stream and the microphone and starts
	// sending audio. An error means the call cannot carry audio.
	StartCapture(ctx context.Context) error

	// PlayRemote plays t until it ends. A non-nil error means playback
	// could not be set up or broke.
	PlayRemote(ctx context.Context, t RemoteTrack) error

	// StopRemote stops the current remote playback, if any. The playback
	// stream stays open until Close.
	StopRemote()

	Close() error
}

// SessionConfig configures a Session.
type SessionConfig struct {
	PeerID string
	Peers  PeerFactory
	Media  Media

	// GatherGrace bounds how long offer and answer creation wait for ICE
	// gathering (default 1s).
	GatherGrace time.Duration

	// RestartTimeout bounds how long a restarting answerer waits for the
	// fresh offer (default 10s).
	RestartTimeout time.Duration

	// Post runs f serialised with the owner's other work for this peer.
	// Peer connection callbacks are delivered through it.
	Post func(f func())

	// OnCandidate receives local candidates to trickle to the peer.
	OnCandidate func(c signaling.Candidate)

	// OnRestartOffer receives the offer produced by an ICE restart.
	OnRestartOffer func(desc signaling.SessionDescription)

	// OnStateChange is told about connectivity-driven transitions:
	// Connected, Restarting and Failed.
	OnStateChange func(state State, err error)

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

func (c *SessionConfig) setDefaults() {
	if c.GatherGrace <= 0 {
		c.GatherGrace = time.Second
	}
	if c.RestartTimeout <= 0 {
		c.RestartTimeout = 10 * time.Second
	}
	if c.Post == nil {
		boxes := newMailboxes()
		c.Post = func(f func()) { boxes.post("", f) }
	}
	if c.OnCandidate == nil {
		c.OnCandidate = func(signaling.Candidate) {}
	}
	if c.OnRestartOffer == nil {
		c.OnRestartOffer = func(signaling.SessionDescription) {}
	}
	if c.OnStateChange == nil {
		c.OnStateChange = func(State, error) {}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
}

// Session negotiates one peer connection to one remote peer.
//
// Remote candidates that arrive before the remote description are queued and
// applied in arrival order once it is set. An ICE failure triggers at most one
// restart, which rebuilds the peer connection and reattaches the local track.
type Session struct {
	cfg     SessionConfig
	logger  *slog.Logger
	metrics *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.Mutex
	state           State
	pc              rtc.PeerConnection
	gen             int // Bumped per peer connection; stale callbacks are ignored
	gathered        chan struct{}
	offerer         bool
	haveRemoteOffer bool
	remoteUfrag     string // ICE ufrag of the last applied remote offer
	restarted       bool
	connectedOnce   bool
	restartTimer    *time.Timer

	// Candidate bookkeeping for the current peer connection. Lock order is
	// iceMu before mu.
	iceMu     sync.Mutex
	remoteSet bool
	pending   []signaling.Candidate
	applied   map[string]struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewSession creates a session with a fresh peer connection carrying the
// local track.
func NewSession(cfg SessionConfig) (*Session, error) {
	cfg.setDefaults()
	if cfg.Peers == nil || cfg.Media == nil {
		return nil, errors.New("call: session needs a peer factory and media")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:     cfg,
		logger:  cfg.Logger.With("peerID", cfg.PeerID),
		metrics: cfg.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		state:   StateNew,
	}
	if err := s.connect(); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

// connect replaces the peer connection and resets candidate bookkeeping.
func (s *Session) connect() error {
	pc, err := s.cfg.Peers.NewPeerConnection()
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	if t := s.cfg.Media.LocalTrack(); t != nil {
		if _, err := pc.AddTrack(t); err != nil {
			pc.Close()
			return fmt.Errorf("add local track: %w", err)
		}
	}

	s.iceMu.Lock()
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		s.iceMu.Unlock()
		pc.Close()
		return ErrClosed
	}
	s.gen++
	gen := s.gen
	gathered := make(chan struct{})
	s.pc = pc
	s.gathered = gathered
	s.haveRemoteOffer = false
	s.mu.Unlock()
	s.remoteSet = false
	s.pending = nil
	s.applied = make(map[string]struct{})
	s.iceMu.Unlock()

	var gatherOnce sync.Once
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			gatherOnce.Do(func() { close(gathered) })
			return
		}
		init := c.ToJSON()
		s.cfg.Post(func() { s.localCandidate(gen, init) })
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.cfg.Post(func() { s.connectionStateChanged(gen, st) })
	})
	pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.cfg.Post(func() { s.remoteTrack(gen, t) })
	})
	return nil
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PeerID returns the remote peer id.
func (s *Session) PeerID() string { return s.cfg.PeerID }

func (s *Session) generation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// current reports whether gen is the live peer connection of an open session.
func (s *Session) current(gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen && !s.state.Terminal()
}

func (s *Session) connection() (rtc.PeerConnection, chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pc == nil || s.state == StateClosed {
		return nil, nil, ErrClosed
	}
	return s.pc, s.gathered, nil
}

// transition moves to `to` if the current state is one of from.
func (s *Session) transition(op string, to State, from ...State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrClosed
	}
	if !slices.Contains(from, s.state) {
		return &StateError{Op: op, State: s.state}
	}
	s.logger.Debug("session state changed", "from", s.state.String(), "to", to.String())
	s.state = to
	return nil
}

func (s *Session) check(op string, allowed ...State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrClosed
	}
	if !slices.Contains(allowed, s.state) {
		return &StateError{Op: op, State: s.state}
	}
	return nil
}

// CreateOffer creates and sets the local offer. Valid only in New.
func (s *Session) CreateOffer(ctx context.Context) (signaling.SessionDescription, error) {
	if err := s.check("create offer", StateNew); err != nil {
		return signaling.SessionDescription{}, err
	}
	s.mu.Lock()
	s.offerer = true
	s.mu.Unlock()

	desc, err := s.offer(ctx)
	if err != nil {
		return desc, err
	}
	if err := s.transition("create offer", StateOfferCreated, StateNew); err != nil {
		return signaling.SessionDescription{}, err
	}
	return desc, nil
}

func (s *Session) offer(ctx context.Context) (signaling.SessionDescription, error) {
	pc, gathered, err := s.connection()
	if err != nil {
		return signaling.SessionDescription{}, err
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return s.localDescription(ctx, pc, gathered, offer), nil
}

// localDescription waits up to the gather grace, then returns the local
// description with whatever candidates were gathered so far.
func (s *Session) localDescription(ctx context.Context, pc rtc.PeerConnection, gathered <-chan struct{}, fallback webrtc.SessionDescription) signaling.SessionDescription {
	timer := time.NewTimer(s.cfg.GatherGrace)
	defer timer.Stop()

	select {
	case <-gathered:
	case <-timer.C:
		s.logger.Debug("ICE gathering still running after grace period", "grace", s.cfg.GatherGrace)
	case <-ctx.Done():
	}

	desc := fallback
	if ld := pc.LocalDescription(); ld != nil {
		desc = *ld
	}
	return signaling.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}

// SetRemoteDescription applies the peer's offer (in New) or answer (in
// OfferCreated), then flushes queued candidates in arrival order.
func (s *Session) SetRemoteDescription(ctx context.Context, desc signaling.SessionDescription) error {
	var sdpType webrtc.SDPType
	switch desc.Type {
	case "offer":
		sdpType = webrtc.SDPTypeOffer
	case "answer":
		sdpType = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("%w: description type %q", signaling.ErrInvalidMessage, desc.Type)
	}

	s.iceMu.Lock()
	defer s.iceMu.Unlock()

	s.mu.Lock()
	st, offerer, pc := s.state, s.offerer, s.pc
	s.mu.Unlock()

	var next State
	switch {
	case st == StateClosed:
		return ErrClosed
	case sdpType == webrtc.SDPTypeOffer && st == StateNew:
		next = StateAnswerPending
	case sdpType == webrtc.SDPTypeOffer && st == StateRestarting && !offerer && !s.remoteSet:
		next = StateRestarting
	case sdpType == webrtc.SDPTypeAnswer && st == StateOfferCreated:
		next = StateConnecting
	case sdpType == webrtc.SDPTypeAnswer && st == StateRestarting && offerer && !s.remoteSet:
		next = StateConnecting
	default:
		return &StateError{Op: "set remote " + desc.Type, State: st}
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	if err := s.transition("set remote "+desc.Type, next, st); err != nil {
		return err
	}
	s.mu.Lock()
	s.haveRemoteOffer = sdpType == webrtc.SDPTypeOffer
	if s.haveRemoteOffer {
		s.remoteUfrag = iceUfrag(desc.SDP)
	}
	s.mu.Unlock()

	s.remoteSet = true
	queued := s.pending
	s.pending = nil
	if len(queued) > 0 {
		s.logger.Debug("applying queued ICE candidates", "count", len(queued))
	}
	for _, c := range queued {
		s.apply(ctx, pc, c)
	}
	return nil
}

// CreateAnswer answers the applied remote offer. Valid only in AnswerPending
// or while restarting with a fresh offer applied.
func (s *Session) CreateAnswer(ctx context.Context) (signaling.SessionDescription, error) {
	s.mu.Lock()
	st, haveOffer := s.state, s.haveRemoteOffer
	s.mu.Unlock()
	if st == StateClosed {
		return signaling.SessionDescription{}, ErrClosed
	}
	if !haveOffer || (st != StateAnswerPending && st != StateRestarting) {
		return signaling.SessionDescription{}, &StateError{Op: "create answer", State: st}
	}

	pc, gathered, err := s.connection()
	if err != nil {
		return signaling.SessionDescription{}, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	desc := s.localDescription(ctx, pc, gathered, answer)

	if err := s.transition("create answer", StateConnecting, StateAnswerPending, StateRestarting); err != nil {
		return signaling.SessionDescription{}, err
	}
	s.mu.Lock()
	s.haveRemoteOffer = false
	s.mu.Unlock()
	return desc, nil
}

// AddICECandidate applies c, or queues it until the remote description is
// set. Failures to apply are logged and skipped.
func (s *Session) AddICECandidate(ctx context.Context, c signaling.Candidate) {
	s.iceMu.Lock()
	defer s.iceMu.Unlock()

	s.mu.Lock()
	st, pc := s.state, s.pc
	s.mu.Unlock()
	if st.Terminal() {
		s.logger.Debug("ignoring ICE candidate for finished session", "state", st.String())
		return
	}

	if !s.remoteSet {
		s.pending = append(s.pending, c)
		s.metrics.RecordCandidate(ctx, "queued")
		return
	}
	s.apply(ctx, pc, c)
}

// apply must be called with iceMu held.
func (s *Session) apply(ctx context.Context, pc rtc.PeerConnection, c signaling.Candidate) {
	key := c.Key()
	if _, dup := s.applied[key]; dup {
		s.metrics.RecordCandidate(ctx, "duplicate")
		return
	}
	s.applied[key] = struct{}{}

	if err := pc.AddICECandidate(candidateInit(c)); err != nil {
		s.metrics.RecordCandidate(ctx, "failed")
		s.logger.Warn("failed to add ICE candidate", "candidate", c.Candidate, "error", err)
		return
	}
	s.metrics.RecordCandidate(ctx, "applied")
}

// PendingCandidates returns how many candidates await the remote description.
func (s *Session) PendingCandidates() int {
	s.iceMu.Lock()
	defer s.iceMu.Unlock()
	return len(s.pending)
}

func (s *Session) localCandidate(gen int, init webrtc.ICECandidateInit) {
	if !s.current(gen) {
		return
	}
	s.cfg.OnCandidate(signaling.Candidate{
		Candidate:     init.Candidate,
		SDPMid:        init.SDPMid,
		SDPMLineIndex: init.SDPMLineIndex,
	})
}

func candidateInit(c signaling.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}

func (s *Session) connectionStateChanged(gen int, st webrtc.PeerConnectionState) {
	if !s.current(gen) {
		return
	}
	s.logger.Info("peer connection state changed", "state", st.String())

	switch st {
	case webrtc.PeerConnectionStateConnected:
		s.connected()
	case webrtc.PeerConnectionStateFailed:
		s.connectivityFailed(errors.New("ICE connectivity failed"))
	}
}

// connected opens the call's audio on the first connection and only then
// reports Connected, so a call whose device cannot play or capture fails
// without ever being connected.
func (s *Session) connected() {
	s.mu.Lock()
	ok := s.state == StateConnecting || s.state == StateRestarting
	first := !s.connectedOnce
	s.mu.Unlock()
	if !ok {
		return
	}

	if first {
		if err := s.cfg.Media.StartCapture(s.ctx); err != nil {
			s.fail(fmt.Errorf("start audio: %w", err))
			return
		}
	}

	s.mu.Lock()
	if s.state != StateConnecting && s.state != StateRestarting {
		s.mu.Unlock()
		return
	}
	s.state = StateConnected
	s.connectedOnce = true
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	s.mu.Unlock()
	s.cfg.OnStateChange(StateConnected, nil)
}

func (s *Session) connectivityFailed(cause error) {
	s.mu.Lock()
	st := s.state
	canRestart := !s.restarted && (st == StateConnecting || st == StateConnected)
	if canRestart {
		s.restarted = true
		s.state = StateRestarting
	}
	offerer := s.offerer
	s.mu.Unlock()

	if st.Terminal() {
		return
	}
	if !canRestart {
		s.fail(cause)
		return
	}

	s.logger.Warn("connectivity lost, restarting ICE", "from", st.String(), "offerer", offerer)
	s.cfg.OnStateChange(StateRestarting, cause)
	if err := s.rebuild(); err != nil {
		s.fail(fmt.Errorf("ICE restart: %w", err))
		return
	}

	if offerer {
		desc, err := s.offer(s.ctx)
		if err != nil {
			s.fail(fmt.Errorf("ICE restart: %w", err))
			return
		}
		s.cfg.OnRestartOffer(desc)
		return
	}

	gen := s.generation()
	timer := time.AfterFunc(s.cfg.RestartTimeout, func() {
		s.cfg.Post(func() { s.restartExpired(gen) })
	})
	s.mu.Lock()
	s.restartTimer = timer
	s.mu.Unlock()
}

// rebuild tears down the current peer connection and builds a new one with
// the same local track.
func (s *Session) rebuild() error {
	role := "answerer"
	s.mu.Lock()
	if s.offerer {
		role = "offerer"
	}
	old := s.pc
	s.mu.Unlock()

	s.metrics.RecordICERestart(s.ctx, role)
	// Closing the connection ends the remote track, which lets playback
	// stop without waiting out its grace period.
	if old != nil {
		if err := old.Close(); err != nil {
			s.logger.Debug("closing failed peer connection", "error", err)
		}
	}
	s.cfg.Media.StopRemote()
	return s.connect()
}

func (s *Session) restartExpired(gen int) {
	if !s.current(gen) || s.State() != StateRestarting {
		return
	}
	s.fail(fmt.Errorf("no restart offer within %s", s.cfg.RestartTimeout))
}

// CanAcceptRestartOffer reports whether offer should be treated as an ICE
// restart of this session. While connecting or connected only an offer with
// fresh ICE credentials qualifies; a repeat of the offer already applied does
// not.
func (s *Session) CanAcceptRestartOffer(offer signaling.SessionDescription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartOfferLocked(offer)
}

func (s *Session) restartOfferLocked(offer signaling.SessionDescription) bool {
	if s.offerer {
		return false
	}
	if s.state == StateRestarting {
		return true
	}
	if s.restarted || (s.state != StateConnecting && s.state != StateConnected) {
		return false
	}
	ufrag := iceUfrag(offer.SDP)
	return ufrag != "" && ufrag != s.remoteUfrag
}

// AcceptRestartOffer rebuilds the connection if needed, applies the fresh
// offer and returns the answer.
func (s *Session) AcceptRestartOffer(ctx context.Context, offer signaling.SessionDescription) (signaling.SessionDescription, error) {
	s.mu.Lock()
	st := s.state
	ok := s.restartOfferLocked(offer)
	rebuild := ok && st != StateRestarting
	if rebuild {
		s.restarted = true
		s.state = StateRestarting
	}
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	s.mu.Unlock()

	if !ok {
		return signaling.SessionDescription{}, &StateError{Op: "accept restart offer", State: st}
	}
	if rebuild {
		s.logger.Info("peer restarted ICE", "from", st.String())
		s.cfg.OnStateChange(StateRestarting, nil)
		if err := s.rebuild(); err != nil {
			return signaling.SessionDescription{}, fmt.Errorf("ICE restart: %w", err)
		}
	}

	if err := s.SetRemoteDescription(ctx, offer); err != nil {
		return signaling.SessionDescription{}, err
	}
	return s.CreateAnswer(ctx)
}

func (s *Session) remoteTrack(gen int, t RemoteTrack) {
	if !s.current(gen) {
		return
	}
	if t.Kind() != webrtc.RTPCodecTypeAudio {
		s.logger.Debug("ignoring non-audio track", "trackID", t.ID(), "kind", t.Kind().String())
		return
	}
	s.logger.Info("remote audio track started", "trackID", t.ID(), "codec", t.Codec().MimeType)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.cfg.Media.PlayRemote(s.ctx, t); err != nil {
			s.cfg.Post(func() {
				if s.current(gen) {
					s.fail(fmt.Errorf("remote playback: %w", err))
				}
			})
		}
	}()
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	s.mu.Unlock()

	s.logger.Warn("call session failed", "error", err)
	s.cfg.OnStateChange(StateFailed, err)
}

// Close stops the track adapters, drops queued candidates and releases the
// peer connection. It is idempotent and safe on a partially built session.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.gen++
		pc := s.pc
		s.pc = nil
		if s.restartTimer != nil {
			s.restartTimer.Stop()
			s.restartTimer = nil
		}
		s.mu.Unlock()

		s.iceMu.Lock()
		s.pending = nil
		s.applied = nil
		s.iceMu.Unlock()

		s.cancel()
		var errs []error
		// The peer connection goes first so a remote track blocked in
		// ReadRTP returns before media waits for playback to stop.
		if pc != nil {
			if err := pc.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close peer connection: %w", err))
			}
		}
		if err := s.cfg.Media.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close media: %w", err))
		}
		s.wg.Wait()
		s.closeErr = errors.Join(errs...)
		s.logger.Debug("call session closed")
	})
	return s.closeErr
}
