package app_test

import (
	"context"
	"gamermatch_backend/internal/app"
	"gamermatch_backend/internal/callapi"
	"gamermatch_backend/internal/config"
	"gamermatch_backend/internal/model"
	"gamermatch_backend/internal/testutil"
	"gamermatch_backend/internal/util"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	server *httptest.Server
	match  *model.Match
}

func newEnv(t *testing.T) *env {
	db := testutil.NewDB(t)
	rdb, _ := testutil.NewRedis(t)

	cfg := &config.Config{
		Server: config.ServerConfig{Mode: "test"},
		JWT:    config.JWTConfig{Secret: testutil.JWTSecret, ExpireTime: time.Hour},
	}
	cfg.Call.Normalize()

	a := app.New(cfg, db, rdb)
	srv := httptest.NewServer(a.Router)
	t.Cleanup(func() {
		srv.Close()
		a.Close()
	})

	return &env{
		server: srv,
		match:  testutil.SeedMatch(t, db, "alice", "bob"),
	}
}

func (e *env) client(t *testing.T, userID string) *callapi.Client {
	c := callapi.New(e.server.URL, testutil.Token(t, userID))
	t.Cleanup(c.Close)
	return c
}

func nextCallEvent(t *testing.T, feed <-chan model.WSMessage) *model.ChangeEvent[model.CallRequest] {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case msg, ok := <-feed:
			require.True(t, ok, "notification feed closed")
			if msg.Type != model.WSTypeCallRequestChanged {
				continue
			}
			evt, err := callapi.DecodeCallRequestEvent(msg)
			require.NoError(t, err)
			return evt
		case <-timeout:
			t.Fatal("no call request event")
			return nil
		}
	}
}

func TestCallRequestLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.client(t, "alice")
	bob := e.client(t, "bob")
	matchID := e.match.ID

	feed, err := bob.Notifications(ctx, matchID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		online, err := alice.PeerOnline(ctx, matchID)
		return err == nil && online
	}, 3*time.Second, 20*time.Millisecond)

	req, err := alice.CreateCall(ctx, matchID, model.CallVideo)
	require.NoError(t, err)
	assert.Equal(t, model.CallPending, req.Status)
	assert.Equal(t, "alice", req.RequesterID)

	evt := nextCallEvent(t, feed)
	assert.Equal(t, model.ChangeInsert, evt.EventType)
	assert.Equal(t, req.ID, evt.New.ID)

	calls, err := bob.ListCalls(ctx, matchID)
	require.NoError(t, err)
	require.Len(t, calls, 1)

	// 主叫不能自己响应
	_, err = alice.Respond(ctx, matchID, req.ID, model.CallAccepted)
	assert.ErrorIs(t, err, util.ErrForbidden)

	rejected, err := bob.Respond(ctx, matchID, "", model.CallRejected)
	require.NoError(t, err)
	assert.Equal(t, model.CallRejected, rejected.Status)

	_, err = bob.Respond(ctx, matchID, req.ID, model.CallAccepted)
	assert.ErrorIs(t, err, util.ErrConflict)

	_, err = alice.CreateCall(ctx, matchID, model.CallVoice)
	assert.ErrorIs(t, err, util.ErrBlocked)

	blocks, err := alice.ListBlocks(ctx, matchID)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "bob", blocks[0].BlockerID)

	require.NoError(t, bob.Unblock(ctx, matchID))
	// 没有屏蔽记录时也成功
	require.NoError(t, bob.Unblock(ctx, matchID))

	again, err := alice.CreateCall(ctx, matchID, model.CallVoice)
	require.NoError(t, err)
	assert.Equal(t, req.ID, again.ID)
	assert.Equal(t, model.CallPending, again.Status)
	assert.Equal(t, model.CallVoice, again.Type)

	accepted, err := bob.Respond(ctx, matchID, again.ID, model.CallAccepted)
	require.NoError(t, err)
	assert.Equal(t, model.CallAccepted, accepted.Status)

	calls, err = alice.ListCalls(ctx, matchID)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, model.CallAccepted, calls[0].Status)
}

func TestNonParticipantIsRejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	mallory := e.client(t, "mallory")

	_, err := mallory.ListCalls(ctx, e.match.ID)
	assert.ErrorIs(t, err, util.ErrForbidden)
	_, err = mallory.CreateCall(ctx, e.match.ID, model.CallVoice)
	assert.ErrorIs(t, err, util.ErrForbidden)
	_, err = mallory.Notifications(ctx, e.match.ID)
	assert.Error(t, err)

	_, err = e.client(t, "alice").ListCalls(ctx, "no-such-match")
	assert.ErrorIs(t, err, util.ErrNotFound)

	anon := callapi.New(e.server.URL, "")
	_, err = anon.ListCalls(ctx, e.match.ID)
	assert.ErrorIs(t, err, util.ErrUnauthorized)
}

func TestSignalRelayOverWebSocket(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	matchID := e.match.ID

	alice := e.client(t, "alice")
	aliceCh, err := alice.Dialer().DialWS(ctx, matchID, "alice")
	require.NoError(t, err)
	defer aliceCh.Close()
	bobCh, err := e.client(t, "bob").Dialer().DialWS(ctx, matchID, "bob")
	require.NoError(t, err)
	defer bobCh.Close()

	require.Eventually(t, func() bool {
		online, err := alice.PeerOnline(ctx, matchID)
		return err == nil && online
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, aliceCh.Send(ctx, model.SignalMessage{Type: model.SignalOffer, Data: []byte(`{"type":"offer","sdp":"v=0"}`), To: "bob"}))
	select {
	case msg := <-bobCh.Messages():
		assert.Equal(t, model.SignalOffer, msg.Type)
		assert.Equal(t, "alice", msg.From)
	case <-time.After(3 * time.Second):
		t.Fatal("offer not relayed")
	}

	require.NoError(t, aliceCh.Send(ctx, model.SignalMessage{Type: model.SignalOffer, To: "mallory"}))
	timeout := time.After(3 * time.Second)
	for {
		select {
		case frame := <-aliceCh.Events():
			if frame.Type == model.WSTypeError {
				return
			}
		case <-timeout:
			t.Fatal("no error frame for a foreign target")
		}
	}
}

func TestHealthAndConfig(t *testing.T) {
	e := newEnv(t)

	resp, err := http.Get(e.server.URL + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cfg, err := e.client(t, "alice").CallConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, config.DefaultICEServers, cfg.ICEServers)
	assert.Equal(t, config.DefaultRequestTTLMinutes*60, cfg.RequestTTLSeconds)
}
