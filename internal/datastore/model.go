package datastore

import "time"

// Recording indexes one completed session output
type Recording struct {
	ID    uint   `gorm:"primaryKey"`
	UUID  string `gorm:"type:varchar(36);not null;uniqueIndex"`
	Title string `gorm:"type:varchar(200);not null"`
	// Path is the merged or passthrough output file
	Path                string    `gorm:"type:varchar(1024);not null;uniqueIndex"`
	DurationMs          int64     `gorm:"not null"`
	IncludesSystemAudio bool      `gorm:"not null;default:false"`
	SizeBytes           int64     `gorm:"not null;default:0"`
	CreatedAt           time.Time `gorm:"autoCreateTime;index"`
}

// TableName returns the table name for GORM
func (Recording) TableName() string {
	return "recordings"
}

// Duration returns the recorded duration
func (r *Recording) Duration() time.Duration {
	return time.Duration(r.DurationMs) * time.Millisecond
}
