package call

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/silviot/voicecall/pkg/device"
	"github.com/silviot/voicecall/pkg/signaling"
	"github.com/silviot/voicecall/pkg/track"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type managerHarness struct {
	m         *Manager
	transport *fakeTransport
	factory   *fakeFactory
	observer  *recordingObserver

	mu     sync.Mutex
	medias []*fakeMedia
}

func newManagerHarness(t *testing.T, mutate func(*ManagerConfig)) *managerHarness {
	t.Helper()
	h := &managerHarness{
		transport: &fakeTransport{},
		factory:   &fakeFactory{},
		observer:  &recordingObserver{},
	}
	cfg := ManagerConfig{
		Transport:   h.transport,
		Peers:       h.factory,
		NewMedia:    h.newMedia,
		AutoAnswer:  true,
		GatherGrace: 20 * time.Millisecond,
		Observer:    h.observer,
		Metrics:     testMetrics(t),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	h.m = m
	return h
}

func (h *managerHarness) newMedia(string) (Media, error) {
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", "test")
	if err != nil {
		return nil, err
	}
	fm := &fakeMedia{local: local}
	h.mu.Lock()
	h.medias = append(h.medias, fm)
	h.mu.Unlock()
	return fm, nil
}

func (h *managerHarness) status(peerID string) Status {
	info, ok := h.m.Call(peerID)
	if !ok {
		return ""
	}
	return info.Status
}

func offerFrom(peer string) signaling.Offer {
	return signaling.Offer{From: peer, Offer: remoteOffer}
}

func countPrefix(events []string, prefix string) int {
	n := 0
	for _, e := range events {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

func TestManagerOutgoingCallSendsOffer(t *testing.T) {
	h := newManagerHarness(t, nil)

	info, err := h.m.StartOutgoingCall(context.Background(), "bob")
	if err != nil {
		t.Fatalf("StartOutgoingCall: %v", err)
	}
	if info.PeerID != "bob" || info.Direction != Outgoing || info.Status != StatusConnecting {
		t.Errorf("info = %+v", info)
	}
	if info.State != "offer_created" || info.ID == "" {
		t.Errorf("info = %+v", info)
	}

	offers := h.transport.of(signaling.TypeOffer)
	if len(offers) != 1 {
		t.Fatalf("offers sent = %d, want 1", len(offers))
	}
	offer := offers[0].(signaling.Offer)
	if offer.To != "bob" || offer.Offer.Type != "offer" || offer.Offer.SDP != "offer-1" {
		t.Errorf("offer = %+v", offer)
	}
	eventually(t, "trickled candidate", func() bool { return h.transport.count(signaling.TypeICECandidate) == 1 })
}

func TestManagerRefusesSecondCall(t *testing.T) {
	h := newManagerHarness(t, nil)
	ctx := context.Background()

	if _, err := h.m.StartOutgoingCall(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.m.StartOutgoingCall(ctx, "bob"); !errors.Is(err, ErrBusy) {
		t.Errorf("same peer: got %v, want ErrBusy", err)
	}
	if _, err := h.m.StartOutgoingCall(ctx, "carol"); !errors.Is(err, ErrBusy) {
		t.Errorf("at capacity: got %v, want ErrBusy", err)
	}
	if h.m.CallCount() != 1 {
		t.Errorf("calls = %d, want 1", h.m.CallCount())
	}
	if h.transport.count(signaling.TypeOffer) != 1 {
		t.Error("refused call must not send an offer")
	}
}

func TestManagerConcurrentCallsWithinCapacity(t *testing.T) {
	h := newManagerHarness(t, func(c *ManagerConfig) { c.MaxConcurrentCalls = 2 })
	ctx := context.Background()

	for _, peer := range []string{"bob", "carol"} {
		if _, err := h.m.StartOutgoingCall(ctx, peer); err != nil {
			t.Fatalf("call %s: %v", peer, err)
		}
	}
	calls := h.m.Calls()
	if len(calls) != 2 {
		t.Fatalf("calls = %d", len(calls))
	}
	if _, err := h.m.StartOutgoingCall(ctx, "dave"); !errors.Is(err, ErrBusy) {
		t.Errorf("got %v, want ErrBusy", err)
	}
}

func TestManagerIncomingOfferAutoAnswers(t *testing.T) {
	h := newManagerHarness(t, nil)

	if err := h.m.HandleMessage(context.Background(), offerFrom("alice")); err != nil {
		t.Fatal(err)
	}
	answers := h.transport.of(signaling.TypeAnswer)
	if len(answers) != 1 {
		t.Fatalf("answers = %d, want 1", len(answers))
	}
	if a := answers[0].(signaling.Answer); a.To != "alice" || a.Answer.SDP != "answer-1" {
		t.Errorf("answer = %+v", a)
	}
	if h.status("alice") != StatusAnswered {
		t.Errorf("status = %s", h.status("alice"))
	}
	if !h.observer.has("ringing:alice") {
		t.Error("ringing not reported")
	}

	h.factory.last().fire(webrtc.PeerConnectionStateConnected)
	eventually(t, "connected", func() bool { return h.status("alice") == StatusConnected })
	eventually(t, "observer", func() bool { return h.observer.has("connected:alice") })
	info, _ := h.m.Call("alice")
	if info.ConnectedAt.IsZero() {
		t.Error("connectedAt not set")
	}
}

func TestManagerIncomingOfferRingsUntilAccepted(t *testing.T) {
	h := newManagerHarness(t, func(c *ManagerConfig) { c.AutoAnswer = false })
	ctx := context.Background()

	h.m.HandleMessage(ctx, offerFrom("alice"))
	if h.status("alice") != StatusRinging {
		t.Fatalf("status = %s, want ringing", h.status("alice"))
	}
	if h.transport.count(signaling.TypeAnswer) != 0 {
		t.Fatal("answered without AcceptCall")
	}

	info, err := h.m.AcceptCall(ctx, "alice")
	if err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}
	if info.Status != StatusAnswered {
		t.Errorf("status = %s", info.Status)
	}
	if h.transport.count(signaling.TypeAnswer) != 1 {
		t.Error("answer not sent")
	}
	if _, err := h.m.AcceptCall(ctx, "alice"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second AcceptCall = %v, want ErrInvalidState", err)
	}
	if _, err := h.m.AcceptCall(ctx, "nobody"); !errors.Is(err, ErrNoCall) {
		t.Errorf("AcceptCall without call = %v, want ErrNoCall", err)
	}
}

func TestManagerRejectCall(t *testing.T) {
	h := newManagerHarness(t, func(c *ManagerConfig) { c.AutoAnswer = false })
	ctx := context.Background()

	h.m.HandleMessage(ctx, offerFrom("alice"))
	if err := h.m.RejectCall(ctx, "alice"); err != nil {
		t.Fatalf("RejectCall: %v", err)
	}

	rejections := h.transport.of(signaling.TypeCallRejected)
	if len(rejections) != 1 {
		t.Fatalf("rejections = %d", len(rejections))
	}
	if r := rejections[0].(signaling.CallRejected); r.To != "alice" || r.Reason != signaling.ReasonDeclined {
		t.Errorf("rejection = %+v", r)
	}
	if h.transport.count(signaling.TypeEndCall) != 0 {
		t.Error("declined call also sent end_call")
	}
	if h.m.CallCount() != 0 {
		t.Error("call not removed")
	}
	if !h.observer.has("ended:alice:declined") {
		t.Errorf("events = %v", h.observer.Events())
	}
	if err := h.m.RejectCall(ctx, "alice"); !errors.Is(err, ErrNoCall) {
		t.Errorf("second RejectCall = %v, want ErrNoCall", err)
	}
}

func TestManagerAcceptRejectOnlyForRingingCalls(t *testing.T) {
	h := newManagerHarness(t, nil)
	ctx := context.Background()

	h.m.StartOutgoingCall(ctx, "bob")
	if _, err := h.m.AcceptCall(ctx, "bob"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("AcceptCall outgoing = %v", err)
	}
	if err := h.m.RejectCall(ctx, "bob"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("RejectCall outgoing = %v", err)
	}
}

func TestManagerIncomingOfferWhileBusy(t *testing.T) {
	h := newManagerHarness(t, nil)
	ctx := context.Background()

	h.m.StartOutgoingCall(ctx, "bob")
	h.m.HandleMessage(ctx, offerFrom("carol"))

	rejections := h.transport.of(signaling.TypeCallRejected)
	if len(rejections) != 1 {
		t.Fatalf("rejections = %d, want 1", len(rejections))
	}
	if r := rejections[0].(signaling.CallRejected); r.To != "carol" || r.Reason != signaling.ReasonBusy {
		t.Errorf("rejection = %+v", r)
	}
	if _, ok := h.m.Call("carol"); ok {
		t.Error("call created for rejected offer")
	}
	if _, ok := h.m.Call("bob"); !ok {
		t.Error("existing call disturbed")
	}
}

func TestManagerSecondOfferWhileRingingIsBusy(t *testing.T) {
	h := newManagerHarness(t, func(c *ManagerConfig) { c.AutoAnswer = false })
	ctx := context.Background()

	h.m.HandleMessage(ctx, offerFrom("alice"))
	h.m.HandleMessage(ctx, offerFrom("alice"))

	if h.transport.count(signaling.TypeCallRejected) != 1 {
		t.Errorf("rejections = %d, want 1", h.transport.count(signaling.TypeCallRejected))
	}
	if h.status("alice") != StatusRinging {
		t.Errorf("status = %s, want ringing", h.status("alice"))
	}
	if h.factory.count() != 1 {
		t.Errorf("peer connections = %d, want 1", h.factory.count())
	}
}

func TestManagerIgnoresAnswerWithoutCall(t *testing.T) {
	h := newManagerHarness(t, nil)
	err := h.m.HandleMessage(context.Background(), signaling.Answer{From: "zed", Answer: remoteAnswer})
	if err != nil {
		t.Fatal(err)
	}
	if h.m.CallCount() != 0 || h.factory.count() != 0 {
		t.Error("answer without call had side effects")
	}
	if len(h.observer.Events()) != 0 {
		t.Errorf("events = %v", h.observer.Events())
	}
}

func TestManagerIgnoresDuplicateAnswer(t *testing.T) {
	h := newManagerHarness(t, nil)
	ctx := context.Background()

	h.m.StartOutgoingCall(ctx, "bob")
	answer := signaling.Answer{From: "bob", Answer: remoteAnswer}
	h.m.HandleMessage(ctx, answer)
	h.m.HandleMessage(ctx, answer)

	if h.status("bob") != StatusConnecting {
		t.Errorf("status = %s", h.status("bob"))
	}
	if h.observer.has("failed:bob") {
		t.Error("duplicate answer failed the call")
	}
}

func TestManagerNegotiationFailureEndsCall(t *testing.T) {
	h := newManagerHarness(t, func(c *ManagerConfig) {
		c.Peers = &fakeFactory{setup: func(pc *fakePC) { pc.setRemoteErr = errors.New("unsupported codec") }}
	})

	h.m.HandleMessage(context.Background(), offerFrom("alice"))

	if h.m.CallCount() != 0 {
		t.Error("failed call still listed")
	}
	ends := h.transport.of(signaling.TypeEndCall)
	if len(ends) != 1 || ends[0].Recipient() != "alice" {
		t.Errorf("end_call messages = %v", ends)
	}
	for _, e := range []string{"failed:alice", "ended:alice:failed"} {
		if !h.observer.has(e) {
			t.Errorf("missing %q in %v", e, h.observer.Events())
		}
	}
	if h.observer.has("ringing:alice") {
		t.Error("failed offer reported as ringing")
	}
}

func TestManagerUnsignaledFailureDoesNotNotifyPeer(t *testing.T) {
	h := newManagerHarness(t, nil)
	h.transport.err = errors.New("relay down")
	h.transport.failOn = signaling.TypeOffer

	_, err := h.m.StartOutgoingCall(context.Background(), "bob")
	if err == nil {
		t.Fatal("expected error")
	}
	if h.m.CallCount() != 0 {
		t.Error("failed call still listed")
	}
	if !h.observer.has("ended:bob:failed") {
		t.Errorf("events = %v", h.observer.Events())
	}
	if h.transport.count(signaling.TypeEndCall) != 0 {
		t.Error("end_call sent for a call the peer never saw")
	}
	if n := h.factory.last().Closed(); n != 1 {
		t.Errorf("peer connection closed %d times", n)
	}
	if _, _, closed := h.medias[0].counts(); closed != 1 {
		t.Errorf("media closed %d times", closed)
	}
}

func TestManagerMediaFailure(t *testing.T) {
	h := newManagerHarness(t, func(c *ManagerConfig) {
		c.NewMedia = func(string) (Media, error) { return nil, errors.New("no audio device") }
	})

	if _, err := h.m.StartOutgoingCall(context.Background(), "bob"); err == nil {
		t.Fatal("expected error")
	}
	if h.m.CallCount() != 0 || h.transport.count(signaling.TypeOffer) != 0 {
		t.Error("call survived media failure")
	}
}

func TestManagerPlaybackFormatFailureNeverConnects(t *testing.T) {
	dev := &fakeAudioIO{outputErr: &device.FormatError{Channels: 2}}
	metrics := testMetrics(t)
	h := newManagerHarness(t, func(c *ManagerConfig) {
		c.NewMedia = func(streamID string) (Media, error) {
			return NewAudioMedia(streamID, MediaConfig{
				Audio:      dev,
				NewEncoder: func(int, int) (track.Encoder, error) { return &countingEncoder{}, nil },
				NewDecoder: func(_, channels int) (track.Decoder, error) { return constDecoder{channels: channels}, nil },
				Metrics:    metrics,
			})
		}
	})
	ctx := context.Background()

	if _, err := h.m.StartOutgoingCall(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	h.m.HandleMessage(ctx, signaling.Answer{From: "bob", Answer: remoteAnswer})
	h.factory.last().fire(webrtc.PeerConnectionStateConnected)

	sawConnected := false
	eventually(t, "call ended", func() bool {
		if h.status("bob") == StatusConnected {
			sawConnected = true
		}
		return h.m.CallCount() == 0
	})

	if sawConnected || h.observer.has("connected:bob") {
		t.Errorf("call reported connected without playback: %v", h.observer.Events())
	}
	if !h.observer.has("failed:bob") {
		t.Errorf("events = %v, want failed:bob", h.observer.Events())
	}
	if s := dev.snapshot(); s.inputs != 0 {
		t.Errorf("microphone opened %d times for a call without playback", s.inputs)
	}
	if h.transport.count(signaling.TypeEndCall) != 1 {
		t.Errorf("end_call sent %d times, want 1", h.transport.count(signaling.TypeEndCall))
	}
}

func TestManagerRemoteHangupNotEchoed(t *testing.T) {
	h := newManagerHarness(t, nil)
	ctx := context.Background()

	h.m.StartOutgoingCall(ctx, "bob")
	h.m.HandleMessage(ctx, signaling.EndCall{From: "bob"})

	if h.m.CallCount() != 0 {
		t.Error("call not removed")
	}
	if h.transport.count(signaling.TypeEndCall) != 0 {
		t.Error("end_call echoed back to the peer")
	}
	if !h.observer.has("ended:bob:remote_hangup") {
		t.Errorf("events = %v", h.observer.Events())
	}
}

func TestManagerPeerRejection(t *testing.T) {
	h := newManagerHarness(t, nil)
	ctx := context.Background()

	h.m.StartOutgoingCall(ctx, "bob")
	h.m.HandleMessage(ctx, signaling.CallRejected{From: "bob", Reason: signaling.ReasonBusy})

	if h.m.CallCount() != 0 {
		t.Error("call not removed")
	}
	if h.transport.count(signaling.TypeEndCall) != 0 {
		t.Error("end_call sent after rejection")
	}
	if !h.observer.has("ended:bob:rejected") {
		t.Errorf("events = %v", h.observer.Events())
	}
}

func TestManagerEndCallIsIdempotent(t *testing.T) {
	h := newManagerHarness(t, nil)
	ctx := context.Background()

	if err := h.m.EndCall(ctx, "bob"); err != nil {
		t.Fatalf("EndCall without call: %v", err)
	}
	if h.transport.count(signaling.TypeEndCall) != 0 {
		t.Fatal("end_call sent for unknown call")
	}

	h.m.StartOutgoingCall(ctx, "bob")
	pc := h.factory.last()
	h.m.EndCall(ctx, "bob")
	h.m.EndCall(ctx, "bob")

	if n := h.transport.count(signaling.TypeEndCall); n != 1 {
		t.Errorf("end_call sent %d times, want 1", n)
	}
	if pc.Closed() != 1 {
		t.Errorf("peer connection closed %d times", pc.Closed())
	}
	if h.observer.countOf("ended:bob:local_hangup") != 1 {
		t.Errorf("events = %v", h.observer.Events())
	}

	// The peer id is free again
	if _, err := h.m.StartOutgoingCall(ctx, "bob"); err != nil {
		t.Errorf("redial: %v", err)
	}
}

func TestManagerBuffersCandidatesBeforeOffer(t *testing.T) {
	h := newManagerHarness(t, nil)
	ctx := context.Background()

	for _, c := range []string{"a", "b"} {
		h.m.HandleMessage(ctx, signaling.ICECandidate{From: "alice", Candidate: cand(c)})
	}
	if h.m.PendingCandidates("alice") != 2 {
		t.Fatalf("pending = %d, want 2", h.m.PendingCandidates("alice"))
	}

	h.m.HandleMessage(ctx, offerFrom("alice"))

	if h.m.PendingCandidates("alice") != 0 {
		t.Error("buffer not handed to the session")
	}
	events := h.factory.last().Events()
	want := []string{"remote:offer", "candidate:a", "candidate:b", "local:answer"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("events = %v, want %v", events, want)
			break
		}
	}
}

func TestManagerDropsExpiredCandidates(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	h := newManagerHarness(t, func(c *ManagerConfig) {
		c.PendingCandidateTTL = 30 * time.Second
		c.now = clock.Now
	})
	ctx := context.Background()

	h.m.HandleMessage(ctx, signaling.ICECandidate{From: "alice", Candidate: cand("stale")})
	clock.Advance(31 * time.Second)
	h.m.HandleMessage(ctx, signaling.ICECandidate{From: "alice", Candidate: cand("fresh")})

	if h.m.PendingCandidates("alice") != 1 {
		t.Fatalf("pending = %d, want 1", h.m.PendingCandidates("alice"))
	}

	clock.Advance(10 * time.Second)
	h.m.HandleMessage(ctx, offerFrom("alice"))
	if n := countPrefix(h.factory.last().Events(), "candidate:"); n != 1 {
		t.Errorf("applied %d candidates, want 1: %v", n, h.factory.last().Events())
	}

	h.m.EndCall(ctx, "alice")
	h.m.HandleMessage(ctx, signaling.ICECandidate{From: "alice", Candidate: cand("late")})
	clock.Advance(31 * time.Second)
	h.m.HandleMessage(ctx, offerFrom("alice"))
	if n := countPrefix(h.factory.last().Events(), "candidate:"); n != 0 {
		t.Errorf("expired candidate applied: %v", h.factory.last().Events())
	}
}

func TestManagerPendingCandidateLimit(t *testing.T) {
	h := newManagerHarness(t, func(c *ManagerConfig) { c.PendingCandidateLimit = 2 })
	ctx := context.Background()

	for _, c := range []string{"a", "b", "c"} {
		h.m.HandleMessage(ctx, signaling.ICECandidate{From: "alice", Candidate: cand(c)})
	}
	if h.m.PendingCandidates("alice") != 2 {
		t.Fatalf("pending = %d, want 2", h.m.PendingCandidates("alice"))
	}

	h.m.HandleMessage(ctx, offerFrom("alice"))
	events := h.factory.last().Events()
	if countPrefix(events, "candidate:c") != 0 {
		t.Errorf("candidate over the limit was kept: %v", events)
	}
}

func TestManagerCandidatesForActiveCall(t *testing.T) {
	h := newManagerHarness(t, nil)
	ctx := context.Background()

	h.m.StartOutgoingCall(ctx, "bob")
	h.m.HandleMessage(ctx, signaling.ICECandidate{From: "bob", Candidate: cand("early")})
	pc := h.factory.last()
	if countPrefix(pc.Events(), "candidate:") != 0 {
		t.Fatal("candidate applied before the answer")
	}

	h.m.HandleMessage(ctx, signaling.Answer{From: "bob", Answer: remoteAnswer})
	h.m.HandleMessage(ctx, signaling.ICECandidate{From: "bob", Candidate: cand("late")})

	events := pc.Events()
	if countPrefix(events, "candidate:early") != 1 || countPrefix(events, "candidate:late") != 1 {
		t.Errorf("events = %v", events)
	}
	if h.m.PendingCandidates("bob") != 0 {
		t.Error("candidates buffered at manager level for an active call")
	}
}

func TestManagerOffererRestartsICE(t *testing.T) {
	h := newManagerHarness(t, nil)
	ctx := context.Background()

	h.m.StartOutgoingCall(ctx, "bob")
	h.m.HandleMessage(ctx, signaling.Answer{From: "bob", Answer: remoteAnswer})
	h.factory.last().fire(webrtc.PeerConnectionStateConnected)
	eventually(t, "connected", func() bool { return h.status("bob") == StatusConnected })

	h.factory.last().fire(webrtc.PeerConnectionStateFailed)
	eventually(t, "restart offer", func() bool { return h.transport.count(signaling.TypeOffer) == 2 })
	if h.status("bob") != StatusConnecting {
		t.Errorf("status = %s, want connecting", h.status("bob"))
	}
	restart := h.transport.of(signaling.TypeOffer)[1].(signaling.Offer)
	if restart.Offer.SDP != "offer-2" {
		t.Errorf("restart offer = %+v", restart)
	}

	h.m.HandleMessage(ctx, signaling.Answer{From: "bob", Answer: remoteAnswer})
	h.factory.last().fire(webrtc.PeerConnectionStateConnected)
	eventually(t, "reconnected", func() bool { return h.status("bob") == StatusConnected })

	if h.observer.countOf("connected:bob") != 1 {
		t.Errorf("events = %v", h.observer.Events())
	}
	if h.observer.has("failed:bob") {
		t.Error("restart reported as failure")
	}

	// A second failure is terminal
	h.factory.last().fire(webrtc.PeerConnectionStateFailed)
	eventually(t, "call ended", func() bool { return h.m.CallCount() == 0 })
	if !h.observer.has("failed:bob") || h.transport.count(signaling.TypeEndCall) != 1 {
		t.Errorf("events = %v", h.observer.Events())
	}
}

func TestManagerAnswersRestartOffer(t *testing.T) {
	h := newManagerHarness(t, nil)
	ctx := context.Background()

	h.m.HandleMessage(ctx, offerFrom("alice"))
	h.factory.last().fire(webrtc.PeerConnectionStateConnected)
	eventually(t, "connected", func() bool { return h.status("alice") == StatusConnected })

	h.m.HandleMessage(ctx, signaling.Offer{From: "alice", Offer: restartOffer})

	if h.transport.count(signaling.TypeCallRejected) != 0 {
		t.Fatal("restart offer rejected as busy")
	}
	answers := h.transport.of(signaling.TypeAnswer)
	if len(answers) != 2 {
		t.Fatalf("answers = %d, want 2", len(answers))
	}
	if a := answers[1].(signaling.Answer); a.Answer.SDP != "answer-2" {
		t.Errorf("restart answer = %+v", a)
	}
	if h.factory.count() != 2 {
		t.Errorf("peer connections = %d, want 2", h.factory.count())
	}
}

func TestManagerRepeatedOfferWhileConnectedIsBusy(t *testing.T) {
	h := newManagerHarness(t, nil)
	ctx := context.Background()

	h.m.HandleMessage(ctx, offerFrom("alice"))
	h.factory.last().fire(webrtc.PeerConnectionStateConnected)
	eventually(t, "connected", func() bool { return h.status("alice") == StatusConnected })

	h.m.HandleMessage(ctx, offerFrom("alice"))

	rejected := h.transport.of(signaling.TypeCallRejected)
	if len(rejected) != 1 || rejected[0].(signaling.CallRejected).Reason != signaling.ReasonBusy {
		t.Fatalf("rejections = %v, want one busy", rejected)
	}
	if h.factory.count() != 1 || h.status("alice") != StatusConnected {
		t.Errorf("repeat offer disturbed the call: %d peer connections, status %s", h.factory.count(), h.status("alice"))
	}

	// The restart budget is still available
	h.m.HandleMessage(ctx, signaling.Offer{From: "alice", Offer: restartOffer})
	if h.transport.count(signaling.TypeAnswer) != 2 {
		t.Errorf("answers = %d, want 2", h.transport.count(signaling.TypeAnswer))
	}
}

func TestManagerCloseEndsCalls(t *testing.T) {
	h := newManagerHarness(t, nil)
	ctx := context.Background()

	h.m.StartOutgoingCall(ctx, "bob")
	if err := h.m.Close(); err != nil {
		t.Fatal(err)
	}

	if h.m.CallCount() != 0 {
		t.Error("calls left after Close")
	}
	if h.transport.count(signaling.TypeEndCall) != 1 {
		t.Error("peer not told about shutdown")
	}
	if !h.observer.has("ended:bob:shutdown") {
		t.Errorf("events = %v", h.observer.Events())
	}
	if _, err := h.m.StartOutgoingCall(ctx, "carol"); !errors.Is(err, ErrClosed) {
		t.Errorf("StartOutgoingCall after Close = %v, want ErrClosed", err)
	}
}

func TestManagerRunDispatchesMessages(t *testing.T) {
	h := newManagerHarness(t, nil)
	msgs := make(chan signaling.Message, 1)
	done := make(chan error, 1)
	go func() { done <- h.m.Run(context.Background(), msgs) }()

	msgs <- offerFrom("alice")
	eventually(t, "answer", func() bool { return h.transport.count(signaling.TypeAnswer) == 1 })

	close(msgs)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the channel closed")
	}
}

// connectRelayed wires two managers through fake transports so each sees
// the other's messages as coming from the right peer.
func connectRelayed(alice, bob *managerHarness) {
	alice.transport.forward = func(msg signaling.Message) {
		if msg.Recipient() == "bob" {
			bob.m.Deliver(relayed(msg, "alice"))
		}
	}
	bob.transport.forward = func(msg signaling.Message) {
		if msg.Recipient() == "alice" {
			alice.m.Deliver(relayed(msg, "bob"))
		}
	}
}

func TestTwoManagersPlaceAndAcceptCall(t *testing.T) {
	alice := newManagerHarness(t, nil)
	bob := newManagerHarness(t, func(c *ManagerConfig) { c.AutoAnswer = false })
	connectRelayed(alice, bob)
	ctx := context.Background()

	if _, err := alice.m.StartOutgoingCall(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "bob ringing", func() bool { return bob.status("alice") == StatusRinging })
	eventually(t, "alice candidate at bob", func() bool {
		return countPrefix(bob.factory.last().Events(), "candidate:") == 1
	})

	if _, err := bob.m.AcceptCall(ctx, "alice"); err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}
	eventually(t, "answer at alice", func() bool {
		info, _ := alice.m.Call("bob")
		return info.State == "connecting"
	})
	eventually(t, "bob candidate at alice", func() bool {
		return countPrefix(alice.factory.last().Events(), "candidate:") == 1
	})

	alice.factory.last().fire(webrtc.PeerConnectionStateConnected)
	bob.factory.last().fire(webrtc.PeerConnectionStateConnected)
	eventually(t, "both connected", func() bool {
		return alice.status("bob") == StatusConnected && bob.status("alice") == StatusConnected
	})

	if err := alice.m.EndCall(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "bob hung up", func() bool { return bob.m.CallCount() == 0 })
	if !bob.observer.has("ended:alice:remote_hangup") {
		t.Errorf("bob events = %v", bob.observer.Events())
	}
	if bob.transport.count(signaling.TypeEndCall) != 0 {
		t.Error("bob echoed end_call")
	}
	if !alice.observer.has("ended:bob:local_hangup") {
		t.Errorf("alice events = %v", alice.observer.Events())
	}
}

func TestTwoManagersBusyCallee(t *testing.T) {
	alice := newManagerHarness(t, nil)
	bob := newManagerHarness(t, nil)
	connectRelayed(alice, bob)
	ctx := context.Background()

	// bob is already on a call with carol
	if _, err := bob.m.StartOutgoingCall(ctx, "carol"); err != nil {
		t.Fatal(err)
	}

	if _, err := alice.m.StartOutgoingCall(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "alice call ended", func() bool { return alice.m.CallCount() == 0 })
	if !alice.observer.has("ended:bob:rejected") {
		t.Errorf("alice events = %v", alice.observer.Events())
	}
	if _, ok := bob.m.Call("carol"); !ok {
		t.Error("bob's existing call was disturbed")
	}
}
