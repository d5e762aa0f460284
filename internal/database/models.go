package database

import "time"

// SessionRecord mirrors a tenant's session container for display and
// bookkeeping. The Docker runtime, not this table, is the source of truth:
// the registry is rebuilt from the runtime at startup and this mirror is
// synced to it.
type SessionRecord struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	TenantID    string    `gorm:"uniqueIndex;not null;size:128" json:"tenant_id"`
	ContainerID string    `gorm:"not null" json:"container_id"`
	VolumeName  string    `gorm:"not null" json:"volume_name"`
	Status      string    `gorm:"not null;default:creating" json:"status"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
