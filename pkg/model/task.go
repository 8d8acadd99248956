package model

import "time"

// TaskStatus tracks an asynchronous job as reported by the worker fleet.
type TaskStatus string

const (
	TaskRunning TaskStatus = "running"
	TaskReady   TaskStatus = "ready"
	TaskError   TaskStatus = "error"
)

// Task is the durable correlation record for one orchestration request.
// UUID is the key carried in every message cast for the request.
type Task struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	UUID      string     `gorm:"size:36;uniqueIndex" json:"uuid"`
	Name      string     `gorm:"size:255" json:"name"`
	ClusterID uint       `gorm:"index" json:"cluster_id"`
	Status    TaskStatus `gorm:"size:16;default:running" json:"status"`
	Progress  int        `json:"progress"`
	Message   string     `gorm:"type:text" json:"message,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
