package negotiator

import (
	"bytes"
	"context"
	"gamermatch_backend/internal/model"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loopbackFactory() *PionPeerFactory {
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	return &PionPeerFactory{SettingEngine: &se}
}

func TestPionOfferCarriesLocalTracks(t *testing.T) {
	stream, err := (&SyntheticDevices{}).GetUserMedia(context.Background(), Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	defer stream.Stop()
	require.Len(t, stream.AudioTracks(), 1)
	require.Len(t, stream.VideoTracks(), 1)

	pc, err := loopbackFactory().NewPeer()
	require.NoError(t, err)
	defer pc.Close()

	for _, track := range stream.Tracks {
		require.NoError(t, pc.AddTrack(track))
	}
	offer, err := pc.CreateOffer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.True(t, strings.Contains(offer.SDP, "m=audio"))
	assert.True(t, strings.Contains(offer.SDP, "m=video"))
}

func TestPionRejectsForeignTrack(t *testing.T) {
	pc, err := loopbackFactory().NewPeer()
	require.NoError(t, err)
	defer pc.Close()

	assert.Error(t, pc.AddTrack(newFakeTrack(KindAudio)))
}

func TestSampleTrackToggle(t *testing.T) {
	stream, err := (&SyntheticDevices{}).GetUserMedia(context.Background(), Constraints{Audio: true})
	require.NoError(t, err)
	track := stream.AudioTracks()[0]

	track.SetEnabled(false)
	assert.False(t, track.Enabled())
	track.SetEnabled(true)
	assert.True(t, track.Enabled())

	stream.Stop()
	assert.True(t, track.Stopped())
	track.SetEnabled(true)
	assert.False(t, track.Enabled())
}

// TestPionLoopbackCall 两个真实连接通过进程内频道完成协商
func TestPionLoopbackCall(t *testing.T) {
	if testing.Short() {
		t.Skip("opens UDP sockets")
	}
	bus := NewMemoryBus()
	newSession := func(self, peer string) *Session {
		s, err := NewSession(Config{
			MatchID:  "loopback",
			SelfID:   self,
			PeerID:   peer,
			CallType: model.CallVoice,
			Media:    &SyntheticDevices{},
			Peers:    loopbackFactory(),
			Signals:  bus,
		})
		require.NoError(t, err)
		t.Cleanup(s.Close)
		return s
	}
	caller := newSession("alice", "bob")
	callee := newSession("bob", "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, callee.AnswerCall(ctx))
	require.NoError(t, caller.StartCall(ctx))

	require.Eventually(t, func() bool {
		return caller.State() == StateActive && callee.State() == StateActive
	}, 15*time.Second, 50*time.Millisecond)

	// 静音帧每 20ms 一包
	require.Eventually(t, func() bool {
		return receivedPackets(callee, KindAudio) > 0
	}, 10*time.Second, 50*time.Millisecond)

	ended := make(chan error, 1)
	callee.SetEndHandler(func(err error) { ended <- err })
	caller.EndCall()

	select {
	case err := <-ended:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("callee did not observe call-end")
	}
	assert.Equal(t, StateEnded, callee.State())
}

func receivedPackets(s *Session, kind string) uint64 {
	var total uint64
	for _, track := range s.Snapshot().RemoteStream.Tracks() {
		if track.Kind() == kind {
			total += track.Packets()
		}
	}
	return total
}

func TestPionLoopbackVideoFromIVF(t *testing.T) {
	if testing.Short() {
		t.Skip("opens UDP sockets")
	}
	frame := bytes.Repeat([]byte{0x10}, 200)
	bus := NewMemoryBus()
	newSession := func(self, peer string, devices *SyntheticDevices) *Session {
		s, err := NewSession(Config{
			MatchID:  "loopback-video",
			SelfID:   self,
			PeerID:   peer,
			CallType: model.CallVideo,
			Media:    devices,
			Peers:    loopbackFactory(),
			Signals:  bus,
		})
		require.NoError(t, err)
		t.Cleanup(s.Close)
		return s
	}

	src, err := OpenIVF(writeIVF(t, "VP80", 30, frame, frame, frame))
	require.NoError(t, err)
	devices := &SyntheticDevices{Video: src}
	t.Cleanup(func() { devices.Close() })

	caller := newSession("alice", "bob", devices)
	callee := newSession("bob", "alice", &SyntheticDevices{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, callee.AnswerCall(ctx))
	require.NoError(t, caller.StartCall(ctx))

	require.Eventually(t, func() bool {
		return receivedPackets(callee, KindVideo) > 0
	}, 15*time.Second, 50*time.Millisecond)
}
