package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/silviot/voicecall/internal/observe"
	"github.com/silviot/voicecall/pkg/signaling"
)

// Direction says who placed the call.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// Status is the user-facing call status.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusRinging    Status = "ringing"
	StatusAnswered   Status = "answered"
	StatusConnected  Status = "connected"
	StatusEnded      Status = "ended"
	StatusFailed     Status = "failed"
)

// End reasons reported to observers and metrics.
const (
	ReasonLocalHangup  = "local_hangup"
	ReasonRemoteHangup = "remote_hangup"
	ReasonRejected     = "rejected"
	ReasonDeclined     = "declined"
	ReasonFailed       = "failed"
	ReasonShutdown     = "shutdown"
)

// Transport delivers signaling messages to peers. *signaling.Client
// implements it.
type Transport interface {
	Send(msg signaling.Message) error
}

// Info is a snapshot of one call.
type Info struct {
	ID          string    `json:"id"`
	PeerID      string    `json:"peerId"`
	Direction   Direction `json:"direction"`
	Status      Status    `json:"status"`
	State       string    `json:"state"`
	CreatedAt   time.Time `json:"createdAt"`
	ConnectedAt time.Time `json:"connectedAt,omitzero"`
}

// record is one entry of the call table.
type record struct {
	id          string
	peerID      string
	direction   Direction
	status      Status
	createdAt   time.Time
	connectedAt time.Time
	session     *Session

	// signaled is set once the peer knows about the call.
	signaled bool
}

func (r *record) info() Info {
	i := Info{
		ID:          r.id,
		PeerID:      r.peerID,
		Direction:   r.direction,
		Status:      r.status,
		CreatedAt:   r.createdAt,
		ConnectedAt: r.connectedAt,
	}
	if r.session != nil {
		i.State = r.session.State().String()
	}
	return i
}

type pendingCandidate struct {
	candidate signaling.Candidate
	received  time.Time
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Transport Transport
	Peers     PeerFactory

	// NewMedia builds the audio adapters for a call to peerID.
	NewMedia func(peerID string) (Media, error)

	// AutoAnswer answers incoming offers immediately. When false, calls
	// ring until AcceptCall or RejectCall.
	AutoAnswer bool

	// MaxConcurrentCalls caps the call table (default 1).
	MaxConcurrentCalls int

	GatherGrace    time.Duration
	RestartTimeout time.Duration

	// Candidates received for peers without a call are kept this long
	// (default 30s), at most PendingCandidateLimit per peer (default 64).
	PendingCandidateTTL   time.Duration
	PendingCandidateLimit int

	Observer Observer
	Logger   *slog.Logger
	Metrics  *observe.Metrics

	// now is overridden in tests.
	now func() time.Time
}

func (c *ManagerConfig) setDefaults() {
	if c.MaxConcurrentCalls <= 0 {
		c.MaxConcurrentCalls = 1
	}
	if c.PendingCandidateTTL <= 0 {
		c.PendingCandidateTTL = 30 * time.Second
	}
	if c.PendingCandidateLimit <= 0 {
		c.PendingCandidateLimit = 64
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Observer == nil {
		c.Observer = LogObserver{Logger: c.Logger}
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
	if c.now == nil {
		c.now = time.Now
	}
}

// Manager owns the call table. All work for one peer runs in arrival order
// on that peer's mailbox; different peers proceed concurrently.
type Manager struct {
	cfg     ManagerConfig
	logger  *slog.Logger
	metrics *observe.Metrics

	boxes *mailboxes

	mu      sync.Mutex
	calls   map[string]*record
	pending map[string][]pendingCandidate
	closed  bool
}

// NewManager creates a call manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	cfg.setDefaults()
	if cfg.Transport == nil || cfg.Peers == nil || cfg.NewMedia == nil {
		return nil, errors.New("call: manager needs a transport, peer factory and media constructor")
	}
	return &Manager{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		boxes:   newMailboxes(),
		calls:   make(map[string]*record),
		pending: make(map[string][]pendingCandidate),
	}, nil
}

// post queues f on peerID's mailbox.
func (m *Manager) post(peerID string, f func()) {
	m.boxes.post(peerID, f)
}

// do runs f on peerID's mailbox and waits for its result.
func (m *Manager) do(ctx context.Context, peerID string, f func() error) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}

	result := make(chan error, 1)
	m.post(peerID, func() { result <- f() })
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run dispatches inbound messages until ctx is done or msgs is closed.
func (m *Manager) Run(ctx context.Context, msgs <-chan signaling.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			m.Deliver(msg)
		}
	}
}

// Deliver queues an inbound message for its sender without waiting.
func (m *Manager) Deliver(msg signaling.Message) {
	peerID := msg.Sender()
	m.post(peerID, func() { m.handleMessage(context.Background(), msg) })
}

// HandleMessage processes an inbound message and waits until it is handled.
func (m *Manager) HandleMessage(ctx context.Context, msg signaling.Message) error {
	return m.do(ctx, msg.Sender(), func() error {
		m.handleMessage(ctx, msg)
		return nil
	})
}

func (m *Manager) handleMessage(ctx context.Context, msg signaling.Message) {
	peerID := msg.Sender()
	switch v := msg.(type) {
	case signaling.Offer:
		m.handleOffer(ctx, peerID, v.Offer)
	case signaling.Answer:
		m.handleAnswer(ctx, peerID, v.Answer)
	case signaling.ICECandidate:
		m.handleCandidate(ctx, peerID, v.Candidate)
	case signaling.EndCall:
		m.endCall(ctx, peerID, false, ReasonRemoteHangup)
	case signaling.CallRejected:
		m.logger.Info("call rejected by peer", "peerID", peerID, "reason", v.Reason)
		m.endCall(ctx, peerID, false, ReasonRejected)
	default:
		m.logger.Warn("unhandled signaling message", "type", msg.Kind(), "peerID", peerID)
	}
}

// StartOutgoingCall places a call to peerID. It returns ErrBusy if a call to
// the peer exists or the manager is at capacity.
func (m *Manager) StartOutgoingCall(ctx context.Context, peerID string) (Info, error) {
	var info Info
	err := m.do(ctx, peerID, func() error {
		var err error
		info, err = m.startOutgoing(ctx, peerID)
		return err
	})
	return info, err
}

func (m *Manager) startOutgoing(ctx context.Context, peerID string) (Info, error) {
	rec, err := m.admit(peerID, Outgoing, StatusConnecting)
	if err != nil {
		m.logger.Info("outgoing call refused", "peerID", peerID, "error", err)
		return Info{}, err
	}

	ctx, span := observe.StartCallSpan(ctx, "call.place", peerID, rec.id)
	defer span.End()
	logger := observe.Logger(ctx, m.logger).With("peerID", peerID, "callID", rec.id)

	if err := m.attachSession(rec); err != nil {
		m.fail(ctx, span, rec, "session", err)
		return Info{}, err
	}
	m.takePending(ctx, rec)

	offer, err := rec.session.CreateOffer(ctx)
	if err != nil {
		m.fail(ctx, span, rec, "offer", err)
		return Info{}, err
	}
	if err := m.cfg.Transport.Send(signaling.Offer{To: peerID, Offer: offer}); err != nil {
		m.fail(ctx, span, rec, "send", err)
		return Info{}, fmt.Errorf("send offer: %w", err)
	}
	rec.signaled = true

	logger.Info("outgoing call placed")
	return m.snapshot(rec), nil
}

// admit inserts a new record, or returns ErrBusy.
func (m *Manager) admit(peerID string, dir Direction, status Status) (*record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if _, exists := m.calls[peerID]; exists {
		return nil, fmt.Errorf("%w: call with %s already active", ErrBusy, peerID)
	}
	if len(m.calls) >= m.cfg.MaxConcurrentCalls {
		return nil, fmt.Errorf("%w: %d call(s) active", ErrBusy, len(m.calls))
	}

	rec := &record{
		id:        uuid.NewString(),
		peerID:    peerID,
		direction: dir,
		status:    status,
		createdAt: m.cfg.now(),
	}
	m.calls[peerID] = rec
	m.metrics.RecordCallStarted(context.Background(), string(dir))
	return rec, nil
}

func (m *Manager) attachSession(rec *record) error {
	media, err := m.cfg.NewMedia(rec.peerID)
	if err != nil {
		return fmt.Errorf("create media: %w", err)
	}

	peerID := rec.peerID
	var session *Session
	session, err = NewSession(SessionConfig{
		PeerID:         peerID,
		Peers:          m.cfg.Peers,
		Media:          media,
		GatherGrace:    m.cfg.GatherGrace,
		RestartTimeout: m.cfg.RestartTimeout,
		Post:           func(f func()) { m.post(peerID, f) },
		OnCandidate: func(c signaling.Candidate) {
			m.sendCandidate(peerID, c)
		},
		OnRestartOffer: func(desc signaling.SessionDescription) {
			m.sendRestartOffer(peerID, desc)
		},
		// Runs on the peer's mailbox, after session is assigned below
		OnStateChange: func(state State, err error) {
			m.sessionStateChanged(peerID, session, state, err)
		},
		Logger:  m.logger,
		Metrics: m.metrics,
	})
	if err != nil {
		if cerr := media.Close(); cerr != nil {
			m.logger.Warn("failed to close media", "peerID", peerID, "error", cerr)
		}
		return err
	}
	m.mu.Lock()
	rec.session = session
	m.mu.Unlock()
	return nil
}

// takePending moves manager-level candidates for the peer into its session.
func (m *Manager) takePending(ctx context.Context, rec *record) {
	m.mu.Lock()
	queued := m.pending[rec.peerID]
	delete(m.pending, rec.peerID)
	m.mu.Unlock()

	cutoff := m.cfg.now().Add(-m.cfg.PendingCandidateTTL)
	for _, p := range queued {
		if p.received.Before(cutoff) {
			m.metrics.RecordCandidate(ctx, "expired")
			continue
		}
		rec.session.AddICECandidate(ctx, p.candidate)
	}
}

func (m *Manager) handleOffer(ctx context.Context, peerID string, offer signaling.SessionDescription) {
	if rec := m.lookup(peerID); rec != nil {
		if rec.session != nil && rec.session.CanAcceptRestartOffer(offer) {
			m.answerRestart(ctx, rec, offer)
			return
		}
		m.logger.Info("rejecting offer, call already active", "peerID", peerID, "status", rec.status)
		m.reject(peerID, signaling.ReasonBusy)
		return
	}

	rec, err := m.admit(peerID, Incoming, StatusRinging)
	if err != nil {
		m.logger.Info("rejecting offer", "peerID", peerID, "error", err)
		m.reject(peerID, signaling.ReasonBusy)
		return
	}
	rec.signaled = true

	ctx, span := observe.StartCallSpan(ctx, "call.answer", peerID, rec.id)
	defer span.End()

	if err := m.attachSession(rec); err != nil {
		m.fail(ctx, span, rec, "session", err)
		return
	}
	// Queued into the session first so they flush once the offer is applied
	m.takePending(ctx, rec)

	if err := rec.session.SetRemoteDescription(ctx, offer); err != nil {
		m.fail(ctx, span, rec, "remote_description", err)
		return
	}

	m.cfg.Observer.OnRinging(m.snapshot(rec))
	if m.cfg.AutoAnswer {
		m.answer(ctx, span, rec)
	}
}

func (m *Manager) answer(ctx context.Context, span trace.Span, rec *record) error {
	answer, err := rec.session.CreateAnswer(ctx)
	if err != nil {
		m.fail(ctx, span, rec, "answer", err)
		return err
	}
	if err := m.cfg.Transport.Send(signaling.Answer{To: rec.peerID, Answer: answer}); err != nil {
		m.fail(ctx, span, rec, "send", err)
		return fmt.Errorf("send answer: %w", err)
	}
	m.setStatus(rec, StatusAnswered)
	m.logger.Info("incoming call answered", "peerID", rec.peerID, "callID", rec.id)
	return nil
}

func (m *Manager) answerRestart(ctx context.Context, rec *record, offer signaling.SessionDescription) {
	answer, err := rec.session.AcceptRestartOffer(ctx, offer)
	if err != nil {
		m.fail(ctx, nil, rec, "restart", err)
		return
	}
	if err := m.cfg.Transport.Send(signaling.Answer{To: rec.peerID, Answer: answer}); err != nil {
		m.fail(ctx, nil, rec, "send", err)
		return
	}
	m.logger.Info("answered ICE restart offer", "peerID", rec.peerID, "callID", rec.id)
}

// AcceptCall answers a ringing incoming call.
func (m *Manager) AcceptCall(ctx context.Context, peerID string) (Info, error) {
	var info Info
	err := m.do(ctx, peerID, func() error {
		rec := m.lookup(peerID)
		if rec == nil {
			return ErrNoCall
		}
		if rec.direction != Incoming || m.statusOf(rec) != StatusRinging {
			return &StateError{Op: "accept call", State: rec.session.State()}
		}
		ctx, span := observe.StartCallSpan(ctx, "call.accept", peerID, rec.id)
		defer span.End()
		if err := m.answer(ctx, span, rec); err != nil {
			return err
		}
		info = m.snapshot(rec)
		return nil
	})
	return info, err
}

// RejectCall declines a ringing incoming call.
func (m *Manager) RejectCall(ctx context.Context, peerID string) error {
	return m.do(ctx, peerID, func() error {
		rec := m.lookup(peerID)
		if rec == nil {
			return ErrNoCall
		}
		if rec.direction != Incoming || m.statusOf(rec) != StatusRinging {
			return &StateError{Op: "reject call", State: rec.session.State()}
		}
		m.reject(peerID, signaling.ReasonDeclined)
		m.endCall(ctx, peerID, false, ReasonDeclined)
		return nil
	})
}

func (m *Manager) reject(peerID, reason string) {
	if err := m.cfg.Transport.Send(signaling.CallRejected{To: peerID, Reason: reason}); err != nil {
		m.logger.Warn("failed to send call rejection", "peerID", peerID, "error", err)
	}
}

func (m *Manager) handleAnswer(ctx context.Context, peerID string, answer signaling.SessionDescription) {
	rec := m.lookup(peerID)
	if rec == nil || rec.session == nil {
		m.logger.Info("ignoring answer, no call for peer", "peerID", peerID)
		return
	}

	if err := rec.session.SetRemoteDescription(ctx, answer); err != nil {
		var se *StateError
		if errors.As(err, &se) {
			m.logger.Info("ignoring out-of-order answer", "peerID", peerID, "error", err)
			return
		}
		m.fail(ctx, nil, rec, "remote_description", err)
	}
}

func (m *Manager) handleCandidate(ctx context.Context, peerID string, c signaling.Candidate) {
	if rec := m.lookup(peerID); rec != nil && rec.session != nil {
		rec.session.AddICECandidate(ctx, c)
		return
	}

	now := m.cfg.now()
	cutoff := now.Add(-m.cfg.PendingCandidateTTL)

	m.mu.Lock()
	queued := m.pending[peerID]
	fresh := queued[:0]
	for _, p := range queued {
		if p.received.Before(cutoff) {
			m.metrics.RecordCandidate(ctx, "expired")
			continue
		}
		fresh = append(fresh, p)
	}
	if len(fresh) >= m.cfg.PendingCandidateLimit {
		m.pending[peerID] = fresh
		m.mu.Unlock()
		m.metrics.RecordCandidate(ctx, "dropped")
		m.logger.Warn("pending candidate limit reached, dropping", "peerID", peerID, "limit", m.cfg.PendingCandidateLimit)
		return
	}
	m.pending[peerID] = append(fresh, pendingCandidate{candidate: c, received: now})
	m.mu.Unlock()

	m.metrics.RecordCandidate(ctx, "queued")
	m.logger.Debug("buffered ICE candidate for unknown call", "peerID", peerID)
}

// PendingCandidates returns how many candidates are buffered for peerID
// awaiting a call.
func (m *Manager) PendingCandidates(peerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending[peerID])
}

// EndCall hangs up. It is idempotent: without a call it does nothing and the
// peer is not notified.
func (m *Manager) EndCall(ctx context.Context, peerID string) error {
	return m.do(ctx, peerID, func() error {
		m.endCall(ctx, peerID, true, ReasonLocalHangup)
		return nil
	})
}

// endCall closes the session, removes the record and optionally tells the
// peer.
func (m *Manager) endCall(ctx context.Context, peerID string, notifyRemote bool, reason string) {
	m.mu.Lock()
	rec := m.calls[peerID]
	delete(m.calls, peerID)
	delete(m.pending, peerID)
	m.mu.Unlock()

	if rec == nil {
		m.logger.Debug("end call: no call for peer", "peerID", peerID, "reason", reason)
		return
	}

	if rec.session != nil {
		if err := rec.session.Close(); err != nil {
			m.logger.Warn("error closing call session", "peerID", peerID, "error", err)
		}
	}

	m.mu.Lock()
	if rec.status != StatusFailed {
		rec.status = StatusEnded
	}
	m.mu.Unlock()

	m.metrics.RecordCallEnded(ctx, reason)
	m.cfg.Observer.OnEnded(m.snapshot(rec), reason)
	m.logger.Info("call ended", "peerID", peerID, "callID", rec.id, "reason", reason)

	if notifyRemote && rec.signaled {
		if err := m.cfg.Transport.Send(signaling.EndCall{To: peerID}); err != nil {
			m.logger.Warn("failed to send end_call", "peerID", peerID, "error", err)
		}
	}
}

// fail reports a failure and tears the call down.
func (m *Manager) fail(ctx context.Context, span trace.Span, rec *record, stage string, err error) {
	observe.FailSpan(span, stage, err)
	m.metrics.RecordCallFailure(ctx, stage)
	m.setStatus(rec, StatusFailed)
	m.cfg.Observer.OnFailed(m.snapshot(rec), err)
	m.logger.Error("call failed", "peerID", rec.peerID, "callID", rec.id, "stage", stage, "error", err)

	m.mu.Lock()
	current := m.calls[rec.peerID] == rec
	m.mu.Unlock()
	if current {
		m.endCall(ctx, rec.peerID, true, ReasonFailed)
	}
}

func (m *Manager) sessionStateChanged(peerID string, session *Session, state State, err error) {
	rec := m.lookup(peerID)
	if rec == nil || rec.session != session {
		return
	}
	ctx := context.Background()

	switch state {
	case StateConnected:
		m.mu.Lock()
		first := rec.connectedAt.IsZero()
		if first {
			rec.connectedAt = m.cfg.now()
		}
		rec.status = StatusConnected
		m.mu.Unlock()
		if first {
			m.metrics.RecordNegotiation(ctx, string(rec.direction), rec.connectedAt.Sub(rec.createdAt))
			m.cfg.Observer.OnConnected(m.snapshot(rec))
		}
	case StateRestarting:
		m.logger.Info("call restarting ICE", "peerID", peerID, "callID", rec.id, "cause", err)
		m.mu.Lock()
		rec.status = StatusConnecting
		m.mu.Unlock()
	case StateFailed:
		stage := "ice"
		if rec.connectedAt.IsZero() {
			stage = "connect"
		}
		m.fail(ctx, nil, rec, stage, err)
	}
}

func (m *Manager) sendCandidate(peerID string, c signaling.Candidate) {
	if m.lookup(peerID) == nil {
		return
	}
	if err := m.cfg.Transport.Send(signaling.ICECandidate{To: peerID, Candidate: c}); err != nil {
		m.logger.Warn("failed to send ICE candidate", "peerID", peerID, "error", err)
	}
}

func (m *Manager) sendRestartOffer(peerID string, desc signaling.SessionDescription) {
	rec := m.lookup(peerID)
	if rec == nil {
		return
	}
	if err := m.cfg.Transport.Send(signaling.Offer{To: peerID, Offer: desc}); err != nil {
		m.fail(context.Background(), nil, rec, "send", err)
	}
}

func (m *Manager) lookup(peerID string) *record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[peerID]
}

func (m *Manager) setStatus(rec *record, s Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.status = s
}

func (m *Manager) statusOf(rec *record) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return rec.status
}

func (m *Manager) snapshot(rec *record) Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return rec.info()
}

// Call returns the call with peerID.
func (m *Manager) Call(peerID string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.calls[peerID]
	if !ok {
		return Info{}, false
	}
	return rec.info(), true
}

// Calls lists active calls, oldest first.
func (m *Manager) Calls() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.calls))
	for _, rec := range m.calls {
		out = append(out, rec.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// CallCount returns the number of active calls.
func (m *Manager) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Close ends every call, notifying peers, and waits for dispatch to drain.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	peers := make([]string, 0, len(m.calls))
	for id := range m.calls {
		peers = append(peers, id)
	}
	m.mu.Unlock()

	for _, peerID := range peers {
		m.post(peerID, func() {
			m.endCall(context.Background(), peerID, true, ReasonShutdown)
		})
	}
	m.boxes.wait()
	m.logger.Info("call manager closed", "calls", len(peers))
	return nil
}
