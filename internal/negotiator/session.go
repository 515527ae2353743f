// Package negotiator 驱动一次通话的点对点连接：采集本地媒体、通过配对的广播频道交换
// offer/answer/candidate，并在结束时释放全部资源。
//
// 所有状态变更都在会话自己的事件循环 goroutine 上串行执行，连接回调和信令消息
// 只是向循环投递事件，因此不需要在回调里加锁。
package negotiator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"gamermatch_backend/internal/model"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const (
	DefaultMaxPendingCandidates = 64
	sendTimeout                 = 5 * time.Second
)

type State int

const (
	StateIdle State = iota
	StateOffering
	StateAwaitingOffer
	StateConnecting
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAwaitingOffer:
		return "awaiting-offer"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Config struct {
	MatchID  string
	SelfID   string
	PeerID   string
	CallType model.CallType

	Media   MediaDevices
	Peers   PeerFactory
	Signals SignalDialer

	Logger *zap.Logger
	// 远端描述设置前最多缓存的候选数
	MaxPendingCandidates int
}

// Snapshot 会话对外可见的状态
type Snapshot struct {
	State        State
	Connecting   bool
	Active       bool
	Muted        bool
	VideoOff     bool
	Error        string
	LocalStream  *LocalStream
	RemoteStream *RemoteStream
}

// EndHandler 会话进入 Ended 时调用一次；正常挂断时 err 为 nil
type EndHandler func(err error)

type Session struct {
	cfg Config
	log *zap.Logger

	events   chan func()
	quit     chan struct{}
	loopDone chan struct{}
	quitOnce sync.Once

	onEnd atomic.Pointer[EndHandler]

	// 以下字段只在事件循环中修改；mu 保护对外读取
	mu         sync.RWMutex
	state      State
	connecting bool
	active     bool
	muted      bool
	videoOff   bool
	err        error
	local      *LocalStream
	remote     *RemoteStream

	inCall            bool
	pc                PeerConnection
	ch                SignalChannel
	remoteDescSet     bool
	pendingCandidates []webrtc.ICECandidateInit
	heldOffer         *webrtc.SessionDescription
	generation        uint64
}

func NewSession(cfg Config) (*Session, error) {
	if cfg.MatchID == "" || cfg.SelfID == "" || cfg.PeerID == "" {
		return nil, errors.New("match, self and peer ids are required")
	}
	if !cfg.CallType.Valid() {
		return nil, fmt.Errorf("unknown call type %q", cfg.CallType)
	}
	if cfg.Media == nil || cfg.Peers == nil || cfg.Signals == nil {
		return nil, errors.New("media, peer factory and signal dialer are required")
	}
	if cfg.MaxPendingCandidates <= 0 {
		cfg.MaxPendingCandidates = DefaultMaxPendingCandidates
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	s := &Session{
		cfg: cfg,
		log: log.With(
			zap.String("matchId", cfg.MatchID),
			zap.String("selfId", cfg.SelfID),
			zap.String("peerId", cfg.PeerID),
		),
		events:   make(chan func(), 64),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		remote:   &RemoteStream{},
	}
	go s.loop()
	return s, nil
}

func (s *Session) loop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.quit:
			return
		case fn := <-s.events:
			fn()
		}
	}
}

// do 在事件循环中执行 fn 并等待结果
func (s *Session) do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	select {
	case s.events <- func() { result <- fn() }:
	case <-s.loopDone:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-s.loopDone:
		return ErrSessionClosed
	}
}

// post 投递事件，不等待
func (s *Session) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.loopDone:
	}
}

// SetEndHandler 替换结束回调；已在途的回调使用调用时的最新值
func (s *Session) SetEndHandler(fn EndHandler) {
	if fn == nil {
		s.onEnd.Store(nil)
		return
	}
	s.onEnd.Store(&fn)
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		State:        s.state,
		Connecting:   s.connecting,
		Active:       s.active,
		Muted:        s.muted,
		VideoOff:     s.videoOff,
		LocalStream:  s.local,
		RemoteStream: s.remote,
	}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	return snap
}

// Err 最近一次失败原因，未失败时为 nil
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.mu.Unlock()
	if prev != state {
		s.log.Debug("Session state", zap.Stringer("from", prev), zap.Stringer("to", state))
	}
}

// StartCall 主叫：采集媒体、建立连接并发送 offer
func (s *Session) StartCall(ctx context.Context) error {
	return s.do(ctx, func() error {
		if err := s.begin(); err != nil {
			return err
		}
		if err := s.prepare(ctx); err != nil {
			return err
		}

		offer, err := s.pc.CreateOffer(ctx)
		if err != nil {
			return s.fail(fmt.Errorf("%w: create offer: %v", ErrConnectionFailed, err))
		}
		if err := s.pc.SetLocalDescription(offer); err != nil {
			return s.fail(fmt.Errorf("%w: set local description: %v", ErrConnectionFailed, err))
		}
		if err := s.send(model.SignalOffer, offer); err != nil {
			return s.fail(fmt.Errorf("%w: send offer: %v", ErrSignalingFailed, err))
		}
		s.setState(StateOffering)
		s.log.Info("Offer sent")
		return nil
	})
}

// AnswerCall 被叫：采集媒体、建立连接，等待对方 offer；已收到的 offer 立即应答
func (s *Session) AnswerCall(ctx context.Context) error {
	return s.do(ctx, func() error {
		held := s.heldOffer
		if err := s.begin(); err != nil {
			return err
		}
		s.heldOffer = held
		if err := s.prepare(ctx); err != nil {
			return err
		}
		s.setState(StateAwaitingOffer)

		if s.heldOffer != nil {
			offer := *s.heldOffer
			s.heldOffer = nil
			s.applyOffer(offer)
			if s.Err() != nil {
				return s.Err()
			}
		}
		return nil
	})
}

// OpenSignaling 在 Idle 时提前打开信令频道，使来电的 offer 可以先被保存
func (s *Session) OpenSignaling(ctx context.Context) error {
	return s.do(ctx, func() error {
		switch s.State() {
		case StateIdle:
		case StateEnded:
			s.reset()
		default:
			return nil
		}
		if err := s.ensureChannel(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrSignalingFailed, err)
		}
		return nil
	})
}

// EndCall 本地挂断，幂等
func (s *Session) EndCall() {
	_ = s.do(context.Background(), func() error {
		s.teardown(true, nil)
		return nil
	})
}

// ToggleMute 原地启停本地音轨，返回新的静音状态
func (s *Session) ToggleMute() bool {
	var muted bool
	_ = s.do(context.Background(), func() error {
		s.mu.Lock()
		s.muted = !s.muted
		muted = s.muted
		local := s.local
		s.mu.Unlock()
		for _, t := range local.AudioTracks() {
			t.SetEnabled(!muted)
		}
		return nil
	})
	return muted
}

// ToggleVideo 原地启停本地视频轨，返回新的关闭状态
func (s *Session) ToggleVideo() bool {
	var off bool
	_ = s.do(context.Background(), func() error {
		s.mu.Lock()
		s.videoOff = !s.videoOff
		off = s.videoOff
		local := s.local
		s.mu.Unlock()
		for _, t := range local.VideoTracks() {
			t.SetEnabled(!off)
		}
		return nil
	})
	return off
}

// Close 结束通话并停止事件循环
func (s *Session) Close() {
	s.EndCall()
	s.quitOnce.Do(func() { close(s.quit) })
	<-s.loopDone
}

// begin 只允许从 Idle 或 Ended 开始新的通话
func (s *Session) begin() error {
	switch s.State() {
	case StateIdle:
	case StateEnded:
		s.reset()
	default:
		return ErrSessionBusy
	}
	s.inCall = true
	s.mu.Lock()
	s.connecting = true
	s.mu.Unlock()
	return nil
}

// reset 清理上一次通话留下的状态，回到 Idle
func (s *Session) reset() {
	s.mu.Lock()
	s.state = StateIdle
	s.err = nil
	s.local = nil
	s.remote = &RemoteStream{}
	s.mu.Unlock()
	s.heldOffer = nil
	s.pendingCandidates = nil
	s.remoteDescSet = false
}

// prepare 采集媒体、打开频道、创建连接并挂上本地轨道
func (s *Session) prepare(ctx context.Context) error {
	local, err := s.cfg.Media.GetUserMedia(ctx, Constraints{
		Audio: true,
		Video: s.cfg.CallType == model.CallVideo,
	})
	if err != nil {
		return s.fail(fmt.Errorf("%w: %v", ErrMediaAcquisitionFailed, err))
	}

	s.mu.Lock()
	s.local = local
	muted, videoOff := s.muted, s.videoOff
	s.mu.Unlock()
	for _, t := range local.AudioTracks() {
		t.SetEnabled(!muted)
	}
	for _, t := range local.VideoTracks() {
		t.SetEnabled(!videoOff)
	}

	if err := s.ensureChannel(ctx); err != nil {
		return s.fail(fmt.Errorf("%w: %v", ErrSignalingFailed, err))
	}

	pc, err := s.cfg.Peers.NewPeer()
	if err != nil {
		return s.fail(fmt.Errorf("%w: %v", ErrConnectionFailed, err))
	}
	s.pc = pc
	s.remoteDescSet = false

	gen := s.generation
	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		s.post(func() { s.onLocalCandidate(gen, c) })
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.post(func() { s.onConnectionState(gen, state) })
	})
	pc.OnTrack(func(t RemoteTrack) {
		s.post(func() { s.onRemoteTrack(gen, t) })
	})

	for _, t := range local.Tracks {
		if err := pc.AddTrack(t); err != nil {
			return s.fail(fmt.Errorf("%w: add %s track: %v", ErrConnectionFailed, t.Kind(), err))
		}
	}
	return nil
}

func (s *Session) ensureChannel(ctx context.Context) error {
	if s.ch != nil {
		return nil
	}
	ch, err := s.cfg.Signals.Dial(ctx, s.cfg.MatchID, s.cfg.SelfID)
	if err != nil {
		return err
	}
	s.ch = ch
	go s.readSignals(ch)
	return nil
}

// readSignals 只转发对方发给自己的消息
func (s *Session) readSignals(ch SignalChannel) {
	for msg := range ch.Messages() {
		if msg.To != s.cfg.SelfID || msg.From != s.cfg.PeerID {
			continue
		}
		msg := msg
		s.post(func() { s.handleSignal(ch, msg) })
	}
	s.post(func() { s.onChannelClosed(ch) })
}

func (s *Session) send(t model.SignalType, payload interface{}) error {
	if s.ch == nil {
		return errChannelClosed
	}
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		data = b
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return s.ch.Send(ctx, model.SignalMessage{
		Type: t,
		Data: data,
		From: s.cfg.SelfID,
		To:   s.cfg.PeerID,
	})
}

func (s *Session) handleSignal(ch SignalChannel, msg model.SignalMessage) {
	if ch != s.ch {
		return
	}
	switch msg.Type {
	case model.SignalOffer:
		var offer webrtc.SessionDescription
		if err := json.Unmarshal(msg.Data, &offer); err != nil {
			s.log.Warn("Malformed offer", zap.Error(err))
			return
		}
		switch {
		case s.State() == StateAwaitingOffer:
			s.applyOffer(offer)
		case s.State() == StateIdle && s.pc == nil:
			s.heldOffer = &offer
			s.pendingCandidates = nil
			s.log.Info("Offer held until the call is answered")
		default:
			s.log.Debug("Ignoring offer", zap.Stringer("state", s.State()))
		}

	case model.SignalAnswer:
		if s.State() != StateOffering {
			s.log.Debug("Ignoring answer", zap.Stringer("state", s.State()))
			return
		}
		var answer webrtc.SessionDescription
		if err := json.Unmarshal(msg.Data, &answer); err != nil {
			s.log.Warn("Malformed answer", zap.Error(err))
			return
		}
		if err := s.pc.SetRemoteDescription(answer); err != nil {
			s.fail(fmt.Errorf("%w: set remote description: %v", ErrConnectionFailed, err))
			return
		}
		s.remoteDescSet = true
		s.flushCandidates()
		s.enterConnecting()

	case model.SignalICECandidate:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Data, &c); err != nil {
			s.log.Warn("Malformed candidate", zap.Error(err))
			return
		}
		s.onRemoteCandidate(c)

	case model.SignalCallEnd:
		if !s.inCall {
			// 对方在接听前挂断
			s.heldOffer = nil
			s.pendingCandidates = nil
			return
		}
		s.log.Info("Peer ended the call")
		s.teardown(false, nil)
	}
}

func (s *Session) applyOffer(offer webrtc.SessionDescription) {
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		s.fail(fmt.Errorf("%w: set remote description: %v", ErrConnectionFailed, err))
		return
	}
	s.remoteDescSet = true
	s.flushCandidates()

	answer, err := s.pc.CreateAnswer(context.Background())
	if err != nil {
		s.fail(fmt.Errorf("%w: create answer: %v", ErrConnectionFailed, err))
		return
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		s.fail(fmt.Errorf("%w: set local description: %v", ErrConnectionFailed, err))
		return
	}
	if err := s.send(model.SignalAnswer, answer); err != nil {
		s.fail(fmt.Errorf("%w: send answer: %v", ErrSignalingFailed, err))
		return
	}
	s.log.Info("Answer sent")
	s.enterConnecting()
}

func (s *Session) enterConnecting() {
	switch s.State() {
	case StateOffering, StateAwaitingOffer:
		s.setState(StateConnecting)
	}
}

// onRemoteCandidate 远端描述未设置时先缓存，之后统一添加
func (s *Session) onRemoteCandidate(c webrtc.ICECandidateInit) {
	if s.State() == StateEnded {
		return
	}
	if s.pc != nil && s.remoteDescSet {
		if err := s.pc.AddICECandidate(c); err != nil {
			s.log.Warn("Skipping rejected candidate", zap.Error(err))
		}
		return
	}
	if len(s.pendingCandidates) >= s.cfg.MaxPendingCandidates {
		s.log.Warn("Pending candidate queue full, dropping candidate")
		return
	}
	s.pendingCandidates = append(s.pendingCandidates, c)
}

func (s *Session) flushCandidates() {
	pending := s.pendingCandidates
	s.pendingCandidates = nil
	for _, c := range pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			s.log.Warn("Skipping rejected candidate", zap.Error(err))
		}
	}
}

func (s *Session) onLocalCandidate(gen uint64, c webrtc.ICECandidateInit) {
	if gen != s.generation || s.pc == nil {
		return
	}
	if err := s.send(model.SignalICECandidate, c); err != nil {
		s.log.Warn("Failed to send candidate", zap.Error(err))
	}
}

func (s *Session) onConnectionState(gen uint64, state webrtc.PeerConnectionState) {
	if gen != s.generation || s.pc == nil {
		return
	}
	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.markActive()
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		s.fail(fmt.Errorf("%w: peer connection %s", ErrConnectionFailed, state))
	}
}

func (s *Session) onRemoteTrack(gen uint64, t RemoteTrack) {
	if gen != s.generation || s.pc == nil {
		t.Stop()
		return
	}
	s.mu.RLock()
	remote := s.remote
	s.mu.RUnlock()
	remote.Add(t)
	s.markActive()
}

// markActive 连接建立或收到远端轨道，以先到者为准，只生效一次
func (s *Session) markActive() {
	switch s.State() {
	case StateOffering, StateAwaitingOffer, StateConnecting:
	default:
		return
	}
	s.mu.Lock()
	s.connecting = false
	s.active = true
	s.mu.Unlock()
	s.setState(StateActive)
	s.log.Info("Call active")
}

func (s *Session) onChannelClosed(ch SignalChannel) {
	if ch != s.ch {
		return
	}
	s.ch = nil
	switch s.State() {
	case StateOffering, StateAwaitingOffer, StateConnecting:
		s.fail(fmt.Errorf("%w: signal channel closed", ErrSignalingFailed))
	case StateActive:
		// 媒体已直连，信令断开不影响通话
		s.log.Warn("Signal channel closed during active call")
	default:
		s.heldOffer = nil
		s.pendingCandidates = nil
	}
}

// fail 记录错误并结束会话，返回 err 方便调用方直接 return
func (s *Session) fail(err error) error {
	s.log.Warn("Call failed", zap.Error(err))
	s.teardown(true, err)
	return err
}

// teardown 释放全部资源并进入 Ended。sendEnd 为 false 表示由对方的 call-end 触发
func (s *Session) teardown(sendEnd bool, cause error) {
	if !s.inCall {
		// 未开始通话，只关闭提前打开的频道
		if s.ch != nil {
			_ = s.ch.Close()
			s.ch = nil
		}
		s.heldOffer = nil
		s.pendingCandidates = nil
		return
	}
	s.inCall = false
	s.generation++

	// 先通知对方再关闭连接
	if s.ch != nil {
		if sendEnd {
			if err := s.send(model.SignalCallEnd, nil); err != nil {
				s.log.Warn("Failed to send call-end", zap.Error(err))
			}
		}
		_ = s.ch.Close()
		s.ch = nil
	}

	s.mu.RLock()
	local, remote := s.local, s.remote
	s.mu.RUnlock()
	local.Stop()
	remote.Stop()

	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			s.log.Warn("Peer close error", zap.Error(err))
		}
		s.pc = nil
	}

	s.remoteDescSet = false
	s.pendingCandidates = nil
	s.heldOffer = nil

	s.mu.Lock()
	s.connecting = false
	s.active = false
	s.muted = false
	s.videoOff = false
	s.err = cause
	s.state = StateEnded
	s.mu.Unlock()
	s.log.Info("Call ended", zap.Bool("sentEnd", sendEnd), zap.Error(cause))

	if h := s.onEnd.Load(); h != nil {
		go (*h)(cause)
	}
}
