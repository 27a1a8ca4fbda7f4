package repositories

import (
	"time"

	"gorm.io/datatypes"
)

// SessionDocument is the repository model backing the Session State Store:
// one row per session, the full Session aggregate serialized as JSONB, plus
// a Version column bumped on every successful Mutate. The document schema
// itself is versioned separately inside Data (SchemaVersion) so old rows can
// be migrated forward on load without touching this table's DDL (spec 4.2).
type SessionDocument struct {
	SessionID string         `gorm:"primaryKey;type:varchar(128)" json:"session_id"`
	Version   int64          `gorm:"not null;default:1" json:"version"`
	Quarantined bool         `gorm:"not null;default:false" json:"quarantined"`
	Data      datatypes.JSON `gorm:"type:jsonb;not null" json:"data"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (SessionDocument) TableName() string {
	return "session_documents"
}
