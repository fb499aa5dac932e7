package task

import (
	"time"

	"gorm.io/datatypes"
)

// Task names registered by the sweep scheduler.
const (
	TaskAutoApproval = "auto_approval"
)

type JobStatus string

const (
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
)

// Task is a periodic job definition.
type Task struct {
	ID          string    `gorm:"column:id;primaryKey" json:"id"`
	Name        string    `gorm:"column:name;uniqueIndex;type:varchar(100);not null" json:"name"`
	Description string    `gorm:"column:description;type:text" json:"description"`
	Interval    string    `gorm:"column:interval;type:varchar(50)" json:"interval"`
	IsActive    bool      `gorm:"column:is_active;default:true" json:"is_active"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
	Jobs        []Job     `gorm:"foreignKey:TaskID" json:"-"`
}

// Job is one execution of a Task.
type Job struct {
	ID          string         `gorm:"column:id;primaryKey" json:"id"`
	TaskID      string         `gorm:"column:task_id;index;not null" json:"task_id"`
	Status      JobStatus      `gorm:"column:status;type:varchar(20);default:'running'" json:"status"`
	Processed   int            `gorm:"column:processed" json:"processed"`
	ErrorMsg    string         `gorm:"column:error_msg;type:text" json:"error_msg,omitempty"`
	StartedAt   *time.Time     `gorm:"column:started_at" json:"started_at"`
	CompletedAt *time.Time     `gorm:"column:completed_at" json:"completed_at"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	Metadata    datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
}
