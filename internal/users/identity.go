package users

import (
	"strings"
	"time"
)

// Account is one platform user: an instructor or an agent principal. The
// Canvas token pair is stored per account so scheduled Canvas deliveries
// can refresh on behalf of the owner.
type Account struct {
	Email         string    `gorm:"column:email;primaryKey;size:320;not null"`
	DisplayName   string    `gorm:"column:display_name;size:320"`
	CanvasAccess  string    `gorm:"column:canvas_access;size:512"`
	CanvasRefresh string    `gorm:"column:canvas_refresh;size:512"`
	LastSeenAt    time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user accounts.
func (Account) TableName() string {
	return "user_accounts"
}

func normalize(value string) string {
	return strings.TrimSpace(strings.ToLower(value))
}
