package negotiator

import (
	"context"
	"sync"
)

const (
	KindAudio = "audio"
	KindVideo = "video"
)

// Constraints 采集请求；音频总是需要，视频只在视频通话时需要
type Constraints struct {
	Audio bool
	Video bool
}

// LocalTrack 本地采集轨道。静音/关闭视频通过 SetEnabled 原地切换，不重新协商
type LocalTrack interface {
	ID() string
	Kind() string
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
	Stopped() bool
}

// RemoteTrack 对端发来的媒体轨道
type RemoteTrack interface {
	ID() string
	Kind() string
	Active() bool
	Stop()
	// 已收到的 RTP 包数
	Packets() uint64
}

// MediaDevices 本地设备访问；可能因权限或设备错误失败
type MediaDevices interface {
	GetUserMedia(ctx context.Context, c Constraints) (*LocalStream, error)
}

type LocalStream struct {
	Tracks []LocalTrack
}

func (s *LocalStream) tracksOfKind(kind string) []LocalTrack {
	if s == nil {
		return nil
	}
	var out []LocalTrack
	for _, t := range s.Tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

func (s *LocalStream) AudioTracks() []LocalTrack {
	return s.tracksOfKind(KindAudio)
}

func (s *LocalStream) VideoTracks() []LocalTrack {
	return s.tracksOfKind(KindVideo)
}

func (s *LocalStream) Stop() {
	if s == nil {
		return
	}
	for _, t := range s.Tracks {
		t.Stop()
	}
}

// RemoteStream 随 OnTrack 逐步填充，可被多个 goroutine 读取
type RemoteStream struct {
	mu     sync.RWMutex
	tracks []RemoteTrack
}

func (s *RemoteStream) Add(t RemoteTrack) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

func (s *RemoteStream) Tracks() []RemoteTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]RemoteTrack(nil), s.tracks...)
}

func (s *RemoteStream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}
