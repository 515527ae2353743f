package controller

import (
	"gamermatch_backend/internal/model"
	"gamermatch_backend/internal/service"
	"gamermatch_backend/internal/util"

	"github.com/gin-gonic/gin"
)

type PermissionController struct {
	PermissionService *service.PermissionService
}

type UpdatePermissionRequest struct {
	MatchID    string `json:"matchId" binding:"required"`
	AllowVoice bool   `json:"allowVoice"`
	AllowVideo bool   `json:"allowVideo"`
}

type PermissionResponse struct {
	Success    bool                   `json:"success"`
	Permission *model.MatchPermission `json:"permission"`
}

func NewPermissionController(permissionService *service.PermissionService) *PermissionController {
	return &PermissionController{PermissionService: permissionService}
}

// UpdatePermission godoc
// @Summary 设置本人在配对中的语音/视频开关
// @Tags 通话
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param request body UpdatePermissionRequest true "开关"
// @Success 200 {object} util.Response{data=PermissionResponse}
// @Failure 400 {object} util.Response "参数错误"
// @Failure 403 {object} util.Response "非参与者"
// @Router /matches/permissions [post]
func (ctrl *PermissionController) UpdatePermission(c *gin.Context) {
	userID := util.CurrentUserID(c)
	if userID == "" {
		util.Unauthorized(c)
		return
	}

	var req UpdatePermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.BadRequest(c, "matchId is required")
		return
	}

	perm, err := ctrl.PermissionService.Upsert(c.Request.Context(), userID, req.MatchID, req.AllowVoice, req.AllowVideo)
	if err != nil {
		util.HandleError(c, err)
		return
	}
	util.Success(c, PermissionResponse{Success: true, Permission: perm})
}

// ListPermissions godoc
// @Summary 配对双方的语音/视频开关
// @Tags 通话
// @Produce json
// @Security ApiKeyAuth
// @Param matchId path string true "配对ID"
// @Success 200 {object} util.Response{data=[]model.MatchPermission}
// @Router /matches/{matchId}/permissions [get]
func (ctrl *PermissionController) ListPermissions(c *gin.Context) {
	userID := util.CurrentUserID(c)
	if userID == "" {
		util.Unauthorized(c)
		return
	}
	perms, err := ctrl.PermissionService.List(c.Request.Context(), userID, c.Param("matchId"))
	if err != nil {
		util.HandleError(c, err)
		return
	}
	util.Success(c, perms)
}
