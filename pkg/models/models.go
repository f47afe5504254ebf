package models

import (
	"time"

	"gorm.io/gorm"
)

// RunRecord is the persisted summary of one top-level operation
// (new build, refinement, regenerate or check).
type RunRecord struct {
	ID        uint           `json:"id" gorm:"primarykey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	RunID   string `json:"run_id" gorm:"uniqueIndex;size:64;not null"`
	Mode    string `json:"mode" gorm:"index;size:32;not null"` // new, refine, regenerate, check
	Outcome string `json:"outcome" gorm:"index;size:32;not null"`
	Prompt  string `json:"prompt" gorm:"type:text"`
	Model   string `json:"model" gorm:"size:255"`
	Error   string `json:"error,omitempty" gorm:"type:text"`

	// Step progress
	TotalSteps      int    `json:"total_steps" gorm:"default:0"`
	CompletedSteps  int    `json:"completed_steps" gorm:"default:0"`
	FailedStepIndex int    `json:"failed_step_index" gorm:"default:-1"`
	RetryOperation  string `json:"retry_operation,omitempty" gorm:"size:64"`
	Retryable       bool   `json:"retryable" gorm:"default:false"`

	// Program at the end of the run
	HTML string `json:"html" gorm:"type:text"`
	CSS  string `json:"css" gorm:"type:text"`
	JS   string `json:"js" gorm:"type:text"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMs int64     `json:"duration_ms"`
}

// TableName pins the table name independent of naming strategy.
func (RunRecord) TableName() string { return "run_records" }

// Succeeded reports whether the run completed.
func (r *RunRecord) Succeeded() bool { return r.Outcome == "completed" }
