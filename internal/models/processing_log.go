package models

// ProcessingLog is an append-only audit row for one progress event.
// It is written by the progress bus and never consulted for rendering;
// the authoritative state lives on the Task row.
type ProcessingLog struct {
	BaseModel

	// TaskID is the task this event belongs to.
	TaskID ULID `gorm:"type:varchar(26);not null;index" json:"task_id"`

	// Language is the canonical language tag, or DefaultLanguage.
	Language string `gorm:"size:16;not null" json:"language"`

	// Stage is the pipeline stage that produced the event.
	Stage Stage `gorm:"size:32;not null" json:"stage"`

	// Status is the stage status at the time of the event.
	Status StageStatus `gorm:"size:20;not null" json:"status"`

	// Progress is the reported completion percentage, 0-100.
	Progress int `json:"progress"`

	// Message is the worker- or runner-supplied detail line.
	Message string `gorm:"size:2048" json:"message,omitempty"`
}

// TableName returns the table name for ProcessingLog.
func (ProcessingLog) TableName() string {
	return "processing_logs"
}
