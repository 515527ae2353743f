package model

type MatchStatus string

const (
	MatchPending  MatchStatus = "pending"
	MatchMatched  MatchStatus = "matched"
	MatchRejected MatchStatus = "rejected"
)

// Match 两个用户互相喜欢后产生的配对记录，本服务只读
type Match struct {
	UUIDBase
	UserID1 string      `gorm:"column:user_id_1;type:varchar(36);index;not null" json:"user_id_1"`
	UserID2 string      `gorm:"column:user_id_2;type:varchar(36);index;not null" json:"user_id_2"`
	Status  MatchStatus `gorm:"type:varchar(16);default:'pending'" json:"status"`
}

func (Match) TableName() string {
	return "matches"
}

func (m *Match) HasParticipant(userID string) bool {
	return userID != "" && (m.UserID1 == userID || m.UserID2 == userID)
}

// Other 返回配对中的另一方；userID 不是参与者时 ok 为 false
func (m *Match) Other(userID string) (string, bool) {
	switch userID {
	case "":
		return "", false
	case m.UserID1:
		return m.UserID2, true
	case m.UserID2:
		return m.UserID1, true
	}
	return "", false
}
