package model

import "time"

type CallType string

const (
	CallVoice CallType = "voice"
	CallVideo CallType = "video"
)

func (t CallType) Valid() bool {
	return t == CallVoice || t == CallVideo
}

type CallStatus string

const (
	CallPending  CallStatus = "pending"
	CallAccepted CallStatus = "accepted"
	CallRejected CallStatus = "rejected"
	CallExpired  CallStatus = "expired"
)

// CallRequest 通话请求；(match_id, requester_id) 唯一，重复发起会刷新同一行
type CallRequest struct {
	UUIDRecord
	MatchID     string     `gorm:"type:varchar(36);not null;uniqueIndex:idx_call_requests_match_requester,priority:1" json:"match_id"`
	RequesterID string     `gorm:"type:varchar(36);not null;uniqueIndex:idx_call_requests_match_requester,priority:2" json:"requester_id"`
	Type        CallType   `gorm:"type:varchar(8);not null" json:"type"`
	Status      CallStatus `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	ExpiresAt   time.Time  `gorm:"index" json:"expires_at"`
}

func (CallRequest) TableName() string {
	return "call_requests"
}

func (r *CallRequest) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// CallBlock 拒接后产生的屏蔽记录；以 blocked 字段为准，不以行是否存在为准
type CallBlock struct {
	UUIDRecord
	MatchID       string `gorm:"type:varchar(36);not null;uniqueIndex:idx_call_blocks_match_blocked,priority:1" json:"match_id"`
	BlockerID     string `gorm:"type:varchar(36);not null;index" json:"blocker_id"`
	BlockedUserID string `gorm:"type:varchar(36);not null;uniqueIndex:idx_call_blocks_match_blocked,priority:2" json:"blocked_user_id"`
	Blocked       bool   `gorm:"not null" json:"blocked"`
}

func (CallBlock) TableName() string {
	return "call_blocks"
}

// MatchPermission 每个参与者对该配对是否允许语音/视频
type MatchPermission struct {
	UUIDRecord
	MatchID    string `gorm:"type:varchar(36);not null;uniqueIndex:idx_match_permissions_match_user,priority:1" json:"match_id"`
	UserID     string `gorm:"type:varchar(36);not null;uniqueIndex:idx_match_permissions_match_user,priority:2" json:"user_id"`
	AllowVoice bool   `gorm:"not null;default:false" json:"allow_voice"`
	AllowVideo bool   `gorm:"not null;default:false" json:"allow_video"`
}

func (MatchPermission) TableName() string {
	return "match_permissions"
}
