package service

import (
	"context"
	"errors"
	"fmt"
	"gamermatch_backend/internal/config"
	"gamermatch_backend/internal/model"
	"gamermatch_backend/internal/repository"
	"gamermatch_backend/internal/util"
	"gamermatch_backend/pkg/logger"
	"gamermatch_backend/pkg/monitoring"
	"gamermatch_backend/pkg/tracing"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CallEventPublisher 行变更通知的出口，默认由 SignalHub 实现
type CallEventPublisher interface {
	PublishCallRequest(matchID string, evt model.ChangeEvent[model.CallRequest])
	PublishCallBlock(matchID string, evt model.ChangeEvent[model.CallBlock])
}

type noopPublisher struct{}

func (noopPublisher) PublishCallRequest(string, model.ChangeEvent[model.CallRequest]) {}
func (noopPublisher) PublishCallBlock(string, model.ChangeEvent[model.CallBlock])     {}

// RespondInput requestId 优先，否则按 matchId 查找对方最新的 pending 请求
type RespondInput struct {
	RequestID string
	MatchID   string
	Status    model.CallStatus
}

type CallService struct {
	MatchRepo *repository.MatchRepository
	CallRepo  *repository.CallRepository
	Events    CallEventPublisher

	mu  sync.RWMutex
	cfg config.CallConfig

	now func() time.Time
}

func NewCallService(matchRepo *repository.MatchRepository, callRepo *repository.CallRepository, events CallEventPublisher, cfg config.CallConfig) *CallService {
	if events == nil {
		events = noopPublisher{}
	}
	cfg.Normalize()
	return &CallService{
		MatchRepo: matchRepo,
		CallRepo:  callRepo,
		Events:    events,
		cfg:       cfg,
		now:       time.Now,
	}
}

// UpdateConfig 配置热更新
func (s *CallService) UpdateConfig(cfg config.CallConfig) {
	cfg.Normalize()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *CallService) Config() config.CallConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *CallService) startSpan(ctx context.Context, name, userID, matchID string) (context.Context, trace.Span) {
	return tracing.Tracer().Start(ctx, "CallService."+name, trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.String("match.id", matchID),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func record(action string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		switch {
		case errors.Is(err, util.ErrBlocked):
			result = "blocked"
		case errors.Is(err, util.ErrConflict):
			result = "conflict"
		case errors.Is(err, util.ErrForbidden):
			result = "forbidden"
		case errors.Is(err, util.ErrNotFound):
			result = "not_found"
		case errors.Is(err, util.ErrInvalidArgument):
			result = "invalid"
		}
	}
	monitoring.CallRequestCounter.WithLabelValues(action, result).Inc()
}

// Participant 加载配对并确认 userID 是参与者
func (s *CallService) Participant(ctx context.Context, matchID, userID string) (*model.Match, error) {
	if matchID == "" {
		return nil, fmt.Errorf("%w: matchId is required", util.ErrInvalidArgument)
	}
	match, err := s.MatchRepo.FindByIDCached(ctx, matchID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: match %s", util.ErrNotFound, matchID)
		}
		return nil, err
	}
	if !match.HasParticipant(userID) {
		return nil, fmt.Errorf("%w: not a participant of this match", util.ErrForbidden)
	}
	return match, nil
}

// List 配对上 pending / accepted 的请求
func (s *CallService) List(ctx context.Context, userID, matchID string) (calls []model.CallRequest, err error) {
	ctx, span := s.startSpan(ctx, "List", userID, matchID)
	defer func() { endSpan(span, err) }()

	if _, err = s.Participant(ctx, matchID, userID); err != nil {
		return nil, err
	}
	calls, err = s.CallRepo.ListActive(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if calls == nil {
		calls = []model.CallRequest{}
	}
	return calls, nil
}

// Create 发起或刷新通话请求；被对方屏蔽时返回 ErrBlocked
func (s *CallService) Create(ctx context.Context, userID, matchID string, callType model.CallType) (req *model.CallRequest, err error) {
	ctx, span := s.startSpan(ctx, "Create", userID, matchID)
	defer func() {
		record("create", err)
		endSpan(span, err)
	}()

	if matchID == "" || callType == "" {
		return nil, fmt.Errorf("%w: matchId and type are required", util.ErrInvalidArgument)
	}
	if !callType.Valid() {
		return nil, fmt.Errorf("%w: unknown call type %q", util.ErrInvalidArgument, callType)
	}
	if _, err = s.Participant(ctx, matchID, userID); err != nil {
		return nil, err
	}

	blocked, err := s.CallRepo.IsBlocked(ctx, matchID, userID)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, util.ErrBlocked
	}

	req = &model.CallRequest{
		MatchID:     matchID,
		RequesterID: userID,
		Type:        callType,
		ExpiresAt:   s.now().Add(s.Config().RequestTTL()),
	}
	previous, err := s.CallRepo.UpsertPending(ctx, req)
	if err != nil {
		return nil, err
	}

	evt := model.ChangeEvent[model.CallRequest]{EventType: model.ChangeInsert, New: req}
	if previous != nil {
		evt.EventType = model.ChangeUpdate
		evt.Old = previous
	}
	s.Events.PublishCallRequest(matchID, evt)

	logger.Log.Info("Call request created",
		zap.String("matchId", matchID),
		zap.String("requestId", req.ID),
		zap.String("type", string(callType)),
		zap.String("requesterId", userID),
	)
	return req, nil
}

func (s *CallService) resolveRequest(ctx context.Context, userID string, in RespondInput) (*model.CallRequest, error) {
	if in.RequestID != "" {
		req, err := s.CallRepo.FindByID(ctx, in.RequestID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("%w: call request %s", util.ErrNotFound, in.RequestID)
			}
			return nil, err
		}
		if in.MatchID != "" && req.MatchID != in.MatchID {
			return nil, fmt.Errorf("%w: call request does not belong to match", util.ErrInvalidArgument)
		}
		return req, nil
	}

	if in.MatchID == "" {
		return nil, fmt.Errorf("%w: requestId or matchId is required", util.ErrInvalidArgument)
	}
	req, err := s.CallRepo.FindLatestPendingFromOther(ctx, in.MatchID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no pending call request", util.ErrNotFound)
		}
		return nil, err
	}
	return req, nil
}

// Respond 由被叫方接受或拒绝；拒绝时屏蔽请求方。
// 请求已不是 pending 时返回 ErrConflict
func (s *CallService) Respond(ctx context.Context, userID string, in RespondInput) (req *model.CallRequest, err error) {
	ctx, span := s.startSpan(ctx, "Respond", userID, in.MatchID)
	defer func() {
		record("respond", err)
		endSpan(span, err)
	}()

	if in.Status != model.CallAccepted && in.Status != model.CallRejected {
		return nil, fmt.Errorf("%w: status must be accepted or rejected", util.ErrInvalidArgument)
	}

	req, err = s.resolveRequest(ctx, userID, in)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("call.request_id", req.ID))

	match, err := s.Participant(ctx, req.MatchID, userID)
	if err != nil {
		return nil, err
	}
	if other, _ := match.Other(userID); other != req.RequesterID {
		return nil, fmt.Errorf("%w: only the callee can respond", util.ErrForbidden)
	}

	before := *req
	var (
		n        int64
		block    *model.CallBlock
		previous *model.CallBlock
	)
	if in.Status == model.CallRejected {
		block = &model.CallBlock{
			MatchID:       req.MatchID,
			BlockerID:     userID,
			BlockedUserID: req.RequesterID,
			Blocked:       true,
		}
		n, previous, err = s.CallRepo.RejectAndBlock(ctx, req.ID, block)
	} else {
		n, err = s.CallRepo.TransitionStatus(ctx, req.ID, model.CallPending, in.Status)
	}
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: call request is no longer pending", util.ErrConflict)
	}

	req, err = s.CallRepo.FindByID(ctx, before.ID)
	if err != nil {
		return nil, err
	}
	s.Events.PublishCallRequest(req.MatchID, model.ChangeEvent[model.CallRequest]{
		EventType: model.ChangeUpdate,
		New:       req,
		Old:       &before,
	})

	if block != nil {
		evt := model.ChangeEvent[model.CallBlock]{EventType: model.ChangeInsert, New: block}
		if previous != nil {
			evt.EventType = model.ChangeUpdate
			evt.Old = previous
		}
		s.Events.PublishCallBlock(req.MatchID, evt)
	}

	logger.Log.Info("Call request answered",
		zap.String("matchId", req.MatchID),
		zap.String("requestId", req.ID),
		zap.String("status", string(in.Status)),
	)
	return req, nil
}

// Unblock 删除调用者在该配对上设置的屏蔽；没有记录也算成功
func (s *CallService) Unblock(ctx context.Context, userID, matchID string) (removed int, err error) {
	ctx, span := s.startSpan(ctx, "Unblock", userID, matchID)
	defer func() {
		record("unblock", err)
		endSpan(span, err)
	}()

	if _, err = s.Participant(ctx, matchID, userID); err != nil {
		return 0, err
	}
	blocks, err := s.CallRepo.DeleteBlocksByBlocker(ctx, matchID, userID)
	if err != nil {
		return 0, err
	}
	for i := range blocks {
		s.Events.PublishCallBlock(matchID, model.ChangeEvent[model.CallBlock]{
			EventType: model.ChangeDelete,
			Old:       &blocks[i],
		})
	}
	return len(blocks), nil
}

// ListBlocks 配对上的屏蔽记录，客户端据此区分“被对方屏蔽”和“我屏蔽了对方”
func (s *CallService) ListBlocks(ctx context.Context, userID, matchID string) (blocks []model.CallBlock, err error) {
	ctx, span := s.startSpan(ctx, "ListBlocks", userID, matchID)
	defer func() { endSpan(span, err) }()

	if _, err = s.Participant(ctx, matchID, userID); err != nil {
		return nil, err
	}
	blocks, err = s.CallRepo.ListBlocks(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if blocks == nil {
		blocks = []model.CallBlock{}
	}
	return blocks, nil
}

// ExpireStale 将超时未响应的请求置为 expired，由后台任务定时调用
func (s *CallService) ExpireStale(ctx context.Context) (int, error) {
	expired, err := s.CallRepo.ExpirePending(ctx, s.now())
	for i := range expired {
		old := expired[i]
		old.Status = model.CallPending
		s.Events.PublishCallRequest(expired[i].MatchID, model.ChangeEvent[model.CallRequest]{
			EventType: model.ChangeUpdate,
			New:       &expired[i],
			Old:       &old,
		})
	}
	if len(expired) > 0 {
		monitoring.CallRequestsExpired.Add(float64(len(expired)))
		logger.Log.Info("Expired stale call requests", zap.Int("count", len(expired)))
	}
	return len(expired), err
}
