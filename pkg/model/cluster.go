package model

import "time"

// Cluster groups nodes deployed from one release. It owns one Network per
// network requirement of the release, plus the tasks opened for it.
type Cluster struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Name       string    `gorm:"size:100;uniqueIndex" json:"name"`
	Type       string    `gorm:"size:32" json:"type"`
	Mode       string    `gorm:"size:32" json:"mode"`
	Redundancy int       `json:"redundancy"`
	ReleaseID  uint      `gorm:"index" json:"release_id"`
	Release    *Release  `gorm:"foreignKey:ReleaseID" json:"release,omitempty"`
	Nodes      []Node    `gorm:"foreignKey:ClusterID" json:"nodes"`
	Networks   []Network `gorm:"foreignKey:ClusterID;constraint:OnDelete:CASCADE" json:"networks"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
