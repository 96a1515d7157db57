package call

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/silviot/voicecall/internal/observe"
	"github.com/silviot/voicecall/pkg/signaling"
	rtc "github.com/silviot/voicecall/pkg/webrtc"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// eventually polls cond until it holds or two seconds pass.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// fakePC records what a session does to its peer connection.
type fakePC struct {
	id int

	mu           sync.Mutex
	events       []string
	local        *webrtc.SessionDescription
	tracks       int
	closed       int
	setRemoteErr error
	noCandidates bool
	stallGather  bool

	onCandidate func(*webrtc.ICECandidate)
	onState     func(webrtc.PeerConnectionState)
	onClose     func()
}

var _ rtc.PeerConnection = (*fakePC)(nil)

func (p *fakePC) record(e string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *fakePC) Events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func (p *fakePC) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", p.id)}, nil
}

func (p *fakePC) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", p.id)}, nil
}

func (p *fakePC) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	p.local = &d
	onCandidate, quiet, stall := p.onCandidate, p.noCandidates, p.stallGather
	p.mu.Unlock()
	p.record("local:" + d.Type.String())

	if onCandidate != nil && !stall {
		if !quiet {
			onCandidate(&webrtc.ICECandidate{
				Foundation: "1",
				Priority:   2130706431,
				Address:    "192.0.2.1",
				Protocol:   webrtc.ICEProtocolUDP,
				Port:       5000,
				Typ:        webrtc.ICECandidateTypeHost,
				Component:  1,
			})
		}
		onCandidate(nil)
	}
	return nil
}

func (p *fakePC) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	err := p.setRemoteErr
	p.mu.Unlock()
	if err != nil {
		return err
	}
	p.record("remote:" + d.Type.String())
	return nil
}

func (p *fakePC) LocalDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.record("candidate:" + c.Candidate)
	if c.Candidate == "bad" {
		return errors.New("malformed candidate")
	}
	return nil
}

func (p *fakePC) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks++
	return nil, nil
}

func (p *fakePC) OnICECandidate(f func(*webrtc.ICECandidate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = f
}

func (p *fakePC) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (p *fakePC) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = f
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	p.closed++
	onClose := p.onClose
	p.mu.Unlock()
	if onClose != nil {
		onClose()
	}
	return nil
}

// fire simulates a connectivity change reported by the ICE agent.
func (p *fakePC) fire(st webrtc.PeerConnectionState) {
	p.mu.Lock()
	f := p.onState
	p.mu.Unlock()
	f(st)
}

func (p *fakePC) Closed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePC) Tracks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracks
}

type fakeFactory struct {
	mu    sync.Mutex
	pcs   []*fakePC
	err   error
	setup func(*fakePC)
}

func (f *fakeFactory) NewPeerConnection() (rtc.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	pc := &fakePC{id: len(f.pcs) + 1}
	if f.setup != nil {
		f.setup(pc)
	}
	f.pcs = append(f.pcs, pc)
	return pc, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pcs)
}

func (f *fakeFactory) last() *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pcs) == 0 {
		return nil
	}
	return f.pcs[len(f.pcs)-1]
}

func (f *fakeFactory) get(i int) *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pcs[i]
}

type fakeMedia struct {
	local webrtc.TrackLocal

	mu          sync.Mutex
	captureErr  error
	playErr     error
	started     int
	stopRemotes int
	closed      int
}

func newFakeMedia(t *testing.T) *fakeMedia {
	t.Helper()
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", "test")
	if err != nil {
		t.Fatal(err)
	}
	return &fakeMedia{local: local}
}

func (m *fakeMedia) LocalTrack() webrtc.TrackLocal { return m.local }

func (m *fakeMedia) StartCapture(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
	return m.captureErr
}

func (m *fakeMedia) PlayRemote(ctx context.Context, _ RemoteTrack) error {
	m.mu.Lock()
	err := m.playErr
	m.mu.Unlock()
	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (m *fakeMedia) StopRemote() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopRemotes++
}

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *fakeMedia) counts() (started, stopRemotes, closed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started, m.stopRemotes, m.closed
}

type fakeRemoteTrack struct{ kind webrtc.RTPCodecType }

func (fakeRemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, io.EOF
}
func (t fakeRemoteTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (fakeRemoteTrack) Codec() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}}
}
func (fakeRemoteTrack) ID() string { return "remote-audio" }

// fakeTransport records outbound messages and can forward them to another
// manager as if relayed.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []signaling.Message
	err     error
	failOn  signaling.Type // Empty fails every kind
	forward func(signaling.Message)
}

func (f *fakeTransport) Send(msg signaling.Message) error {
	f.mu.Lock()
	err, forward := f.err, f.forward
	if f.failOn != "" && msg.Kind() != f.failOn {
		err = nil
	}
	if err == nil {
		f.sent = append(f.sent, msg)
	}
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if forward != nil {
		forward(msg)
	}
	return nil
}

func (f *fakeTransport) of(kind signaling.Type) []signaling.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []signaling.Message
	for _, m := range f.sent {
		if m.Kind() == kind {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) count(kind signaling.Type) int {
	return len(f.of(kind))
}

// relayed rewrites an outbound message as the recipient would see it.
func relayed(msg signaling.Message, from string) signaling.Message {
	switch v := msg.(type) {
	case signaling.Offer:
		return signaling.Offer{From: from, Offer: v.Offer}
	case signaling.Answer:
		return signaling.Answer{From: from, Answer: v.Answer}
	case signaling.ICECandidate:
		return signaling.ICECandidate{From: from, Candidate: v.Candidate}
	case signaling.EndCall:
		return signaling.EndCall{From: from}
	case signaling.CallRejected:
		return signaling.CallRejected{From: from, Reason: v.Reason}
	}
	panic(fmt.Sprintf("unexpected message %T", msg))
}

type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) add(e string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, e)
}

func (o *recordingObserver) OnRinging(c Info)              { o.add("ringing:" + c.PeerID) }
func (o *recordingObserver) OnConnected(c Info)            { o.add("connected:" + c.PeerID) }
func (o *recordingObserver) OnEnded(c Info, reason string) { o.add("ended:" + c.PeerID + ":" + reason) }
func (o *recordingObserver) OnFailed(c Info, _ error)      { o.add("failed:" + c.PeerID) }

func (o *recordingObserver) Events() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

func (o *recordingObserver) has(e string) bool {
	for _, got := range o.Events() {
		if got == e {
			return true
		}
	}
	return false
}

func (o *recordingObserver) countOf(e string) int {
	n := 0
	for _, got := range o.Events() {
		if got == e {
			n++
		}
	}
	return n
}
