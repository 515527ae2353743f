package negotiator

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// PeerConnection 会话所需的最小连接接口。回调可能在任意 goroutine 上触发
type PeerConnection interface {
	AddTrack(track LocalTrack) error
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnTrack(fn func(RemoteTrack))
	Close() error
}

type PeerFactory interface {
	NewPeer() (PeerConnection, error)
}

// PionPeerFactory 使用 pion 默认编解码器和拦截器创建连接
type PionPeerFactory struct {
	ICEServers []string
	Logger     *zap.Logger
	// 可选，测试中用于限制网络类型等
	SettingEngine *webrtc.SettingEngine
}

func iceServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}

func (f *PionPeerFactory) NewPeer() (PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	opts := []func(*webrtc.API){
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	}
	if f.SettingEngine != nil {
		opts = append(opts, webrtc.WithSettingEngine(*f.SettingEngine))
	}
	api := webrtc.NewAPI(opts...)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: iceServers(f.ICEServers),
	})
	if err != nil {
		return nil, err
	}

	log := f.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &pionPeer{pc: pc, log: log}, nil
}

// TrackLocalProvider 可以挂到 pion 连接上的本地轨道
type TrackLocalProvider interface {
	TrackLocal() webrtc.TrackLocal
}

type pionPeer struct {
	pc  *webrtc.PeerConnection
	log *zap.Logger
}

func (p *pionPeer) AddTrack(track LocalTrack) error {
	provider, ok := track.(TrackLocalProvider)
	if !ok {
		return fmt.Errorf("track %s cannot be sent over a pion connection", track.ID())
	}
	sender, err := p.pc.AddTrack(provider.TrackLocal())
	if err != nil {
		return err
	}

	// 读取 RTCP，拦截器（NACK 等）依赖它
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *pionPeer) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *pionPeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil 表示收集结束
		if c != nil {
			fn(c.ToJSON())
		}
	})
}

func (p *pionPeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.log.Debug("Peer connection state", zap.String("state", s.String()))
		fn(s)
	})
}

func (p *pionPeer) OnTrack(fn func(RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.log.Info("Remote track received",
			zap.String("kind", track.Kind().String()),
			zap.String("trackId", track.ID()),
			zap.String("streamId", track.StreamID()),
		)
		rt := &pionRemoteTrack{track: track}
		go rt.drain()
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			// 请求关键帧，远端视频才能尽快解码
			if err := p.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}); err != nil {
				p.log.Debug("PLI write failed", zap.Error(err))
			}
		}
		fn(rt)
	})
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

// pionRemoteTrack 持续读取 RTP 直到连接关闭；本服务不落盘任何媒体
type pionRemoteTrack struct {
	track   *webrtc.TrackRemote
	stopped atomic.Bool
	packets atomic.Uint64
}

func (t *pionRemoteTrack) drain() {
	for {
		if _, _, err := t.track.ReadRTP(); err != nil {
			return
		}
		if t.stopped.Load() {
			continue
		}
		t.packets.Add(1)
	}
}

func (t *pionRemoteTrack) ID() string {
	return t.track.ID()
}

func (t *pionRemoteTrack) Kind() string {
	return t.track.Kind().String()
}

func (t *pionRemoteTrack) Active() bool {
	return !t.stopped.Load()
}

func (t *pionRemoteTrack) Stop() {
	t.stopped.Store(true)
}

func (t *pionRemoteTrack) Packets() uint64 {
	return t.packets.Load()
}
