package service

import (
	"context"
	"gamermatch_backend/internal/model"
	"gamermatch_backend/internal/repository"
)

// PermissionService 参与者对语音/视频的开关，只做记录，不参与通话请求校验
type PermissionService struct {
	Calls          *CallService
	PermissionRepo *repository.PermissionRepository
}

func NewPermissionService(calls *CallService, permRepo *repository.PermissionRepository) *PermissionService {
	return &PermissionService{
		Calls:          calls,
		PermissionRepo: permRepo,
	}
}

func (s *PermissionService) Upsert(ctx context.Context, userID, matchID string, allowVoice, allowVideo bool) (*model.MatchPermission, error) {
	if _, err := s.Calls.Participant(ctx, matchID, userID); err != nil {
		return nil, err
	}
	perm := &model.MatchPermission{
		MatchID:    matchID,
		UserID:     userID,
		AllowVoice: allowVoice,
		AllowVideo: allowVideo,
	}
	if err := s.PermissionRepo.Upsert(ctx, perm); err != nil {
		return nil, err
	}
	return perm, nil
}

func (s *PermissionService) List(ctx context.Context, userID, matchID string) ([]model.MatchPermission, error) {
	if _, err := s.Calls.Participant(ctx, matchID, userID); err != nil {
		return nil, err
	}
	perms, err := s.PermissionRepo.ListByMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if perms == nil {
		perms = []model.MatchPermission{}
	}
	return perms, nil
}
