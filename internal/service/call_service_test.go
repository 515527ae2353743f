package service

import (
	"context"
	"gamermatch_backend/internal/config"
	"gamermatch_backend/internal/model"
	"gamermatch_backend/internal/repository"
	"gamermatch_backend/internal/testutil"
	"gamermatch_backend/internal/util"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type recordedEvent struct {
	kind    string
	matchID string
	evtType model.ChangeEventType
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *recordingPublisher) PublishCallRequest(matchID string, evt model.ChangeEvent[model.CallRequest]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{"request", matchID, evt.EventType})
}

func (p *recordingPublisher) PublishCallBlock(matchID string, evt model.ChangeEvent[model.CallBlock]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{"block", matchID, evt.EventType})
}

func (p *recordingPublisher) take() []recordedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.events
	p.events = nil
	return out
}

type callFixture struct {
	db    *gorm.DB
	svc   *CallService
	pub   *recordingPublisher
	match *model.Match
}

func newCallFixture(t *testing.T) *callFixture {
	db := testutil.NewDB(t)
	pub := &recordingPublisher{}
	svc := NewCallService(
		repository.NewMatchRepository(db, nil),
		repository.NewCallRepository(db),
		pub,
		config.CallConfig{RequestTTLMinutes: 1},
	)
	return &callFixture{
		db:    db,
		svc:   svc,
		pub:   pub,
		match: testutil.SeedMatch(t, db, "alice", "bob"),
	}
}

func TestCreateIsIdempotentPerRequester(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()

	first, err := f.svc.Create(ctx, "alice", f.match.ID, model.CallVoice)
	require.NoError(t, err)
	second, err := f.svc.Create(ctx, "alice", f.match.ID, model.CallVideo)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, model.CallVideo, second.Type)

	calls, err := f.svc.List(ctx, "bob", f.match.ID)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, model.CallPending, calls[0].Status)

	assert.Equal(t, []recordedEvent{
		{"request", f.match.ID, model.ChangeInsert},
		{"request", f.match.ID, model.ChangeUpdate},
	}, f.pub.take())
}

func TestCreateValidation(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, "alice", "", model.CallVoice)
	assert.ErrorIs(t, err, util.ErrInvalidArgument)

	_, err = f.svc.Create(ctx, "alice", f.match.ID, "screen")
	assert.ErrorIs(t, err, util.ErrInvalidArgument)

	_, err = f.svc.Create(ctx, "mallory", f.match.ID, model.CallVoice)
	assert.ErrorIs(t, err, util.ErrForbidden)

	_, err = f.svc.Create(ctx, "alice", "no-such-match", model.CallVoice)
	assert.ErrorIs(t, err, util.ErrNotFound)

	assert.Empty(t, f.pub.take())
}

func TestOnlyCalleeCanRespond(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()

	req, err := f.svc.Create(ctx, "alice", f.match.ID, model.CallVoice)
	require.NoError(t, err)

	_, err = f.svc.Respond(ctx, "alice", RespondInput{RequestID: req.ID, Status: model.CallAccepted})
	assert.ErrorIs(t, err, util.ErrForbidden)

	_, err = f.svc.Respond(ctx, "mallory", RespondInput{RequestID: req.ID, Status: model.CallAccepted})
	assert.ErrorIs(t, err, util.ErrForbidden)

	_, err = f.svc.Respond(ctx, "bob", RespondInput{RequestID: req.ID, Status: model.CallPending})
	assert.ErrorIs(t, err, util.ErrInvalidArgument)

	accepted, err := f.svc.Respond(ctx, "bob", RespondInput{RequestID: req.ID, Status: model.CallAccepted})
	require.NoError(t, err)
	assert.Equal(t, model.CallAccepted, accepted.Status)
}

func TestRespondByMatchFindsLatestPending(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()

	req, err := f.svc.Create(ctx, "alice", f.match.ID, model.CallVideo)
	require.NoError(t, err)

	got, err := f.svc.Respond(ctx, "bob", RespondInput{MatchID: f.match.ID, Status: model.CallAccepted})
	require.NoError(t, err)
	assert.Equal(t, req.ID, got.ID)

	_, err = f.svc.Respond(ctx, "bob", RespondInput{MatchID: f.match.ID, Status: model.CallAccepted})
	assert.ErrorIs(t, err, util.ErrNotFound)
}

func TestSecondRespondConflicts(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()

	req, err := f.svc.Create(ctx, "alice", f.match.ID, model.CallVoice)
	require.NoError(t, err)

	_, err = f.svc.Respond(ctx, "bob", RespondInput{RequestID: req.ID, Status: model.CallAccepted})
	require.NoError(t, err)

	_, err = f.svc.Respond(ctx, "bob", RespondInput{RequestID: req.ID, Status: model.CallRejected})
	assert.ErrorIs(t, err, util.ErrConflict)

	blocks, err := f.svc.ListBlocks(ctx, "alice", f.match.ID)
	require.NoError(t, err)
	assert.Empty(t, blocks)
}

func TestRejectBlocksUntilUnblock(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()

	req, err := f.svc.Create(ctx, "alice", f.match.ID, model.CallVoice)
	require.NoError(t, err)
	f.pub.take()

	rejected, err := f.svc.Respond(ctx, "bob", RespondInput{RequestID: req.ID, MatchID: f.match.ID, Status: model.CallRejected})
	require.NoError(t, err)
	assert.Equal(t, model.CallRejected, rejected.Status)
	assert.Equal(t, []recordedEvent{
		{"request", f.match.ID, model.ChangeUpdate},
		{"block", f.match.ID, model.ChangeInsert},
	}, f.pub.take())

	blocks, err := f.svc.ListBlocks(ctx, "alice", f.match.ID)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "bob", blocks[0].BlockerID)
	assert.Equal(t, "alice", blocks[0].BlockedUserID)
	assert.True(t, blocks[0].Blocked)

	_, err = f.svc.Create(ctx, "alice", f.match.ID, model.CallVideo)
	assert.ErrorIs(t, err, util.ErrBlocked)

	// 被屏蔽方不能自行解除
	removed, err := f.svc.Unblock(ctx, "alice", f.match.ID)
	require.NoError(t, err)
	assert.Zero(t, removed)
	_, err = f.svc.Create(ctx, "alice", f.match.ID, model.CallVideo)
	assert.ErrorIs(t, err, util.ErrBlocked)

	removed, err = f.svc.Unblock(ctx, "bob", f.match.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	f.pub.take()

	again, err := f.svc.Create(ctx, "alice", f.match.ID, model.CallVideo)
	require.NoError(t, err)
	assert.Equal(t, req.ID, again.ID)
	assert.Equal(t, model.CallPending, again.Status)
	assert.Equal(t, []recordedEvent{{"request", f.match.ID, model.ChangeUpdate}}, f.pub.take())
}

func TestRejectLeavesRequestPendingWhenBlockFails(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()

	req, err := f.svc.Create(ctx, "alice", f.match.ID, model.CallVoice)
	require.NoError(t, err)
	f.pub.take()

	require.NoError(t, f.db.Migrator().DropTable(&model.CallBlock{}))

	_, err = f.svc.Respond(ctx, "bob", RespondInput{RequestID: req.ID, Status: model.CallRejected})
	require.Error(t, err)
	assert.Empty(t, f.pub.take())

	calls, err := f.svc.List(ctx, "bob", f.match.ID)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, model.CallPending, calls[0].Status)
}

func TestUnblockWithoutBlocksSucceeds(t *testing.T) {
	f := newCallFixture(t)

	removed, err := f.svc.Unblock(context.Background(), "bob", f.match.ID)
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Empty(t, f.pub.take())
}

func TestExpireStale(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()

	req, err := f.svc.Create(ctx, "alice", f.match.ID, model.CallVoice)
	require.NoError(t, err)
	f.pub.take()

	n, err := f.svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	n, err = f.svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []recordedEvent{{"request", f.match.ID, model.ChangeUpdate}}, f.pub.take())

	_, err = f.svc.Respond(ctx, "bob", RespondInput{RequestID: req.ID, Status: model.CallAccepted})
	assert.ErrorIs(t, err, util.ErrConflict)

	calls, err := f.svc.List(ctx, "alice", f.match.ID)
	require.NoError(t, err)
	assert.Empty(t, calls)
}

func TestPermissionService(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()
	perms := NewPermissionService(f.svc, repository.NewPermissionRepository(f.db))

	p, err := perms.Upsert(ctx, "alice", f.match.ID, true, false)
	require.NoError(t, err)
	assert.True(t, p.AllowVoice)

	_, err = perms.Upsert(ctx, "mallory", f.match.ID, true, true)
	assert.ErrorIs(t, err, util.ErrForbidden)

	list, err := perms.List(ctx, "bob", f.match.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "alice", list[0].UserID)
}
