package controller

import (
	"fmt"
	"gamermatch_backend/internal/model"
	"gamermatch_backend/internal/service"
	"gamermatch_backend/internal/util"

	"github.com/gin-gonic/gin"
)

// CallController 通话请求协调接口
type CallController struct {
	CallService *service.CallService
}

// CallRequestAction 单一入口，由 action 区分操作
type CallRequestAction struct {
	MatchID   string `json:"matchId" example:"5f1c..."`
	Type      string `json:"type" example:"voice"`
	Action    string `json:"action" example:"create" enums:"list,create,respond,unblock"`
	RequestID string `json:"requestId"`
	Status    string `json:"status" example:"accepted" enums:"accepted,rejected"`
}

type CallListResponse struct {
	Calls []model.CallRequest `json:"calls"`
}

type CallRequestResponse struct {
	Success bool               `json:"success"`
	Request *model.CallRequest `json:"request,omitempty"`
}

type CallBlocksResponse struct {
	Blocks []model.CallBlock `json:"blocks"`
}

type CallConfigResponse struct {
	ICEServers        []string `json:"iceServers"`
	RequestTTLSeconds int      `json:"requestTtlSeconds"`
}

func NewCallController(callService *service.CallService) *CallController {
	return &CallController{CallService: callService}
}

// HandleCallRequest godoc
// @Summary 通话请求
// @Description action=list 查询进行中的请求；create 发起；respond 接受或拒绝；unblock 解除屏蔽
// @Tags 通话
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param request body CallRequestAction true "操作"
// @Success 200 {object} util.Response{data=CallRequestResponse}
// @Failure 400 {object} util.Response "参数错误"
// @Failure 403 {object} util.Response "非参与者或已被屏蔽"
// @Failure 404 {object} util.Response "配对或请求不存在"
// @Failure 409 {object} util.Response "请求已被处理"
// @Router /matches/call-request [post]
func (ctrl *CallController) HandleCallRequest(c *gin.Context) {
	userID := util.CurrentUserID(c)
	if userID == "" {
		util.Unauthorized(c)
		return
	}

	var req CallRequestAction
	if err := c.ShouldBindJSON(&req); err != nil {
		util.BadRequest(c, "invalid request body")
		return
	}

	ctx := c.Request.Context()

	// 带 matchId 的请求统一先校验参与者身份
	if req.MatchID != "" {
		if _, err := ctrl.CallService.Participant(ctx, req.MatchID, userID); err != nil {
			util.HandleError(c, err)
			return
		}
	}

	switch req.Action {
	case "list":
		if req.MatchID == "" {
			util.BadRequest(c, "matchId is required")
			return
		}
		calls, err := ctrl.CallService.List(ctx, userID, req.MatchID)
		if err != nil {
			util.HandleError(c, err)
			return
		}
		util.Success(c, CallListResponse{Calls: calls})

	case "create":
		call, err := ctrl.CallService.Create(ctx, userID, req.MatchID, model.CallType(req.Type))
		if err != nil {
			util.HandleError(c, err)
			return
		}
		util.Success(c, CallRequestResponse{Success: true, Request: call})

	case "respond":
		call, err := ctrl.CallService.Respond(ctx, userID, service.RespondInput{
			RequestID: req.RequestID,
			MatchID:   req.MatchID,
			Status:    model.CallStatus(req.Status),
		})
		if err != nil {
			util.HandleError(c, err)
			return
		}
		util.Success(c, CallRequestResponse{Success: true, Request: call})

	case "unblock":
		if req.MatchID == "" {
			util.BadRequest(c, "matchId is required")
			return
		}
		if _, err := ctrl.CallService.Unblock(ctx, userID, req.MatchID); err != nil {
			util.HandleError(c, err)
			return
		}
		util.Success(c, CallRequestResponse{Success: true})

	default:
		util.HandleError(c, fmt.Errorf("%w: unknown action %q", util.ErrInvalidArgument, req.Action))
	}
}

// ListBlocks godoc
// @Summary 配对上的屏蔽记录
// @Tags 通话
// @Produce json
// @Security ApiKeyAuth
// @Param matchId path string true "配对ID"
// @Success 200 {object} util.Response{data=CallBlocksResponse}
// @Failure 403 {object} util.Response "非参与者"
// @Router /matches/{matchId}/call-blocks [get]
func (ctrl *CallController) ListBlocks(c *gin.Context) {
	userID := util.CurrentUserID(c)
	if userID == "" {
		util.Unauthorized(c)
		return
	}
	blocks, err := ctrl.CallService.ListBlocks(c.Request.Context(), userID, c.Param("matchId"))
	if err != nil {
		util.HandleError(c, err)
		return
	}
	util.Success(c, CallBlocksResponse{Blocks: blocks})
}

// GetConfig godoc
// @Summary 通话客户端配置
// @Description ICE 服务器列表与请求有效期
// @Tags 通话
// @Produce json
// @Security ApiKeyAuth
// @Success 200 {object} util.Response{data=CallConfigResponse}
// @Router /calls/config [get]
func (ctrl *CallController) GetConfig(c *gin.Context) {
	cfg := ctrl.CallService.Config()
	util.Success(c, CallConfigResponse{
		ICEServers:        cfg.ICEServers,
		RequestTTLSeconds: int(cfg.RequestTTL().Seconds()),
	})
}
