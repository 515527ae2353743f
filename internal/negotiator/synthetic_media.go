package negotiator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const (
	audioFrameDuration = 20 * time.Millisecond
	videoFrameDuration = time.Second / 30
)

// 20ms 的 Opus 静音帧
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// FrameSource 编码好的 VP8 帧来源。ReadFrame 阻塞直到下一帧就绪
type FrameSource interface {
	ReadFrame() (data []byte, release func(), err error)
	Close() error
}

// SyntheticDevices 无头客户端使用的设备：音频发送静音帧，
// 视频只在提供 FrameSource 时发送帧。Video 归设备所有，可跨多次通话复用，由 Close 关闭
type SyntheticDevices struct {
	Video FrameSource
}

func (d *SyntheticDevices) Close() error {
	if d.Video == nil {
		return nil
	}
	return d.Video.Close()
}

func (d *SyntheticDevices) GetUserMedia(ctx context.Context, c Constraints) (*LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Audio && !c.Video {
		return nil, errors.New("no media kinds requested")
	}

	streamID := "gamermatch-" + uuid.New().String()
	stream := &LocalStream{}

	if c.Audio {
		track, err := newSampleTrack(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		}, KindAudio, streamID)
		if err != nil {
			return nil, err
		}
		go track.pumpSilence()
		stream.Tracks = append(stream.Tracks, track)
	}

	if c.Video {
		track, err := newSampleTrack(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}, KindVideo, streamID)
		if err != nil {
			stream.Stop()
			return nil, err
		}
		if d.Video != nil {
			go track.pumpFrames(d.Video)
		}
		stream.Tracks = append(stream.Tracks, track)
	}

	return stream, nil
}

// SampleTrack 基于 pion TrackLocalStaticSample 的本地轨道
type SampleTrack struct {
	track   *webrtc.TrackLocalStaticSample
	kind    string
	enabled atomic.Bool
	stopped atomic.Bool
	done    chan struct{}
	once    sync.Once
}

func newSampleTrack(capability webrtc.RTPCodecCapability, kind, streamID string) (*SampleTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(capability, kind+"-"+uuid.New().String(), streamID)
	if err != nil {
		return nil, err
	}
	t := &SampleTrack{
		track: track,
		kind:  kind,
		done:  make(chan struct{}),
	}
	t.enabled.Store(true)
	return t, nil
}

func (t *SampleTrack) ID() string {
	return t.track.ID()
}

func (t *SampleTrack) Kind() string {
	return t.kind
}

func (t *SampleTrack) Enabled() bool {
	return t.enabled.Load()
}

func (t *SampleTrack) SetEnabled(enabled bool) {
	if t.stopped.Load() {
		return
	}
	t.enabled.Store(enabled)
}

func (t *SampleTrack) Stop() {
	t.once.Do(func() {
		t.stopped.Store(true)
		t.enabled.Store(false)
		close(t.done)
	})
}

func (t *SampleTrack) Stopped() bool {
	return t.stopped.Load()
}

func (t *SampleTrack) TrackLocal() webrtc.TrackLocal {
	return t.track
}

func (t *SampleTrack) pumpSilence() {
	ticker := time.NewTicker(audioFrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if !t.enabled.Load() {
				continue
			}
			// 未绑定到连接前写入会返回错误，忽略即可
			_ = t.track.WriteSample(media.Sample{Data: opusSilence, Duration: audioFrameDuration})
		}
	}
}

// pumpFrames 轨道停止后退出，不关闭 src
func (t *SampleTrack) pumpFrames(src FrameSource) {
	for {
		select {
		case <-t.done:
			return
		default:
		}

		data, release, err := src.ReadFrame()
		if err != nil {
			return
		}
		if t.enabled.Load() {
			_ = t.track.WriteSample(media.Sample{Data: data, Duration: videoFrameDuration})
		}
		if release != nil {
			release()
		}
	}
}
