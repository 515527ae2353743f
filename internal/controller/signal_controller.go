package controller

import (
	"gamermatch_backend/internal/service"
	"gamermatch_backend/internal/util"

	"github.com/gin-gonic/gin"
)

// SignalController 信令 WebSocket 与在线状态
type SignalController struct {
	CallService *service.CallService
	Hub         *service.SignalHub
}

func NewSignalController(callService *service.CallService, hub *service.SignalHub) *SignalController {
	return &SignalController{
		CallService: callService,
		Hub:         hub,
	}
}

// HandleWS godoc
// @Summary 信令 WebSocket
// @Description 按配对划分的广播频道，转发 offer/answer/ice-candidate/call-end 以及通话请求变更
// @Tags 通话
// @Security ApiKeyAuth
// @Param matchId query string true "配对ID"
// @Param token query string true "JWT Token"
// @Success 101 {string} string "Switching Protocols"
// @Router /signal/ws [get]
func (ctrl *SignalController) HandleWS(c *gin.Context) {
	userID := util.CurrentUserID(c)
	if userID == "" {
		util.Unauthorized(c)
		return
	}

	matchID := c.Query("matchId")
	match, err := ctrl.CallService.Participant(c.Request.Context(), matchID, userID)
	if err != nil {
		util.HandleError(c, err)
		return
	}
	peerID, _ := match.Other(userID)

	service.ServeWs(ctrl.Hub, c.Writer, c.Request, matchID, userID, peerID)
}

// PeerPresence godoc
// @Summary 对方是否已连接信令频道
// @Tags 通话
// @Produce json
// @Security ApiKeyAuth
// @Param matchId path string true "配对ID"
// @Success 200 {object} util.Response
// @Router /matches/{matchId}/presence [get]
func (ctrl *SignalController) PeerPresence(c *gin.Context) {
	userID := util.CurrentUserID(c)
	if userID == "" {
		util.Unauthorized(c)
		return
	}

	matchID := c.Param("matchId")
	match, err := ctrl.CallService.Participant(c.Request.Context(), matchID, userID)
	if err != nil {
		util.HandleError(c, err)
		return
	}
	peerID, _ := match.Other(userID)

	util.Success(c, gin.H{
		"userId": peerID,
		"online": ctrl.Hub.IsPeerOnline(c.Request.Context(), matchID, peerID),
	})
}
