package negotiator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

type fakeTrack struct {
	mu      sync.Mutex
	id      string
	kind    string
	enabled bool
	stopped bool
}

func newFakeTrack(kind string) *fakeTrack {
	return &fakeTrack{id: kind + "-1", kind: kind, enabled: true}
}

func (t *fakeTrack) ID() string   { return t.id }
func (t *fakeTrack) Kind() string { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.stopped {
		t.enabled = enabled
	}
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.enabled = false
}

func (t *fakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeRemoteTrack struct {
	mu     sync.Mutex
	kind   string
	active bool
}

func (t *fakeRemoteTrack) ID() string   { return "remote-" + t.kind }
func (t *fakeRemoteTrack) Kind() string { return t.kind }

func (t *fakeRemoteTrack) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *fakeRemoteTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = false
}

func (t *fakeRemoteTrack) Packets() uint64 { return 0 }

type fakeDevices struct {
	mu      sync.Mutex
	err     error
	streams []*LocalStream
	calls   []Constraints
}

func (d *fakeDevices) GetUserMedia(_ context.Context, c Constraints) (*LocalStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, c)
	if d.err != nil {
		return nil, d.err
	}
	stream := &LocalStream{}
	if c.Audio {
		stream.Tracks = append(stream.Tracks, newFakeTrack(KindAudio))
	}
	if c.Video {
		stream.Tracks = append(stream.Tracks, newFakeTrack(KindVideo))
	}
	d.streams = append(d.streams, stream)
	return stream, nil
}

func (d *fakeDevices) last() *LocalStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

type addedCandidate struct {
	candidate     webrtc.ICECandidateInit
	remoteDescSet bool
}

type fakePeer struct {
	mu         sync.Mutex
	tracks     []LocalTrack
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []addedCandidate
	closed     bool
	remoteErr  error

	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	onTrack func(RemoteTrack)
}

func (p *fakePeer) AddTrack(track LocalTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, track)
	return nil
}

func (p *fakePeer) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (p *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = &desc
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteErr != nil {
		return p.remoteErr
	}
	p.remote = &desc
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("peer closed")
	}
	p.candidates = append(p.candidates, addedCandidate{candidate: c, remoteDescSet: p.remote != nil})
	return nil
}

func (p *fakePeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICE = fn
}

func (p *fakePeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

func (p *fakePeer) OnTrack(fn func(RemoteTrack)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) fireState(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(state)
}

func (p *fakePeer) fireTrack(t RemoteTrack) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	fn(t)
}

func (p *fakePeer) fireCandidate(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	fn := p.onICE
	p.mu.Unlock()
	fn(c)
}

func (p *fakePeer) trackCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tracks)
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) addedCandidates() []addedCandidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]addedCandidate(nil), p.candidates...)
}

func (p *fakePeer) remoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

type fakePeerFactory struct {
	mu        sync.Mutex
	peers     []*fakePeer
	err       error
	remoteErr error
}

func (f *fakePeerFactory) NewPeer() (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePeer{remoteErr: f.remoteErr}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakePeerFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type failingDialer struct{}

func (failingDialer) Dial(context.Context, string, string) (SignalChannel, error) {
	return nil, errors.New("dial refused")
}
