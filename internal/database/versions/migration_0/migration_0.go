package migration_0

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type PipelineRun struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Steps   datatypes.JSON `gorm:"not null"`
	Status  string         `gorm:"size:20;not null"`
	Stopped bool           `gorm:"default:false"`
	LogPath sql.NullString
	Error   sql.NullString

	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime

	StepRuns          []StepRun          `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
	TrainingResults   []TrainingResult   `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
	EvaluationResults []EvaluationResult `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
}

type StepRun struct {
	RunId    uuid.UUID `gorm:"type:uuid;primaryKey"`
	Position int       `gorm:"primaryKey"`

	Step   string `gorm:"size:32;not null"`
	Status string `gorm:"size:20;not null"`
	Error  string

	StartTime      sql.NullTime
	CompletionTime sql.NullTime
}

type TrainingResult struct {
	Id    uuid.UUID     `gorm:"type:uuid;primaryKey"`
	RunId uuid.NullUUID `gorm:"type:uuid;index"`

	Family    string `gorm:"size:20;not null"`
	Modelo    string `gorm:"not null"`
	Dataset   string `gorm:"not null"`
	BaseModel string
	Status    string `gorm:"size:20;not null"`

	MAP50_95        float64 `gorm:"column:map50_95"`
	MAP50           float64 `gorm:"column:map50"`
	Precision       float64
	Recall          float64
	F1Score         float64
	LatencyMs       sql.NullFloat64
	TrainingTimeMin float64

	OutputDir    string
	Error        string
	CreationTime time.Time
}

type EvaluationResult struct {
	Id    uuid.UUID     `gorm:"type:uuid;primaryKey"`
	RunId uuid.NullUUID `gorm:"type:uuid;index"`

	RunName   string `gorm:"not null"`
	Status    string `gorm:"size:20;not null"`
	Dataset   string
	ModelPath string

	MAP50_95  float64 `gorm:"column:map50_95"`
	MAP50     float64 `gorm:"column:map50"`
	MAP75     float64 `gorm:"column:map75"`
	Precision float64
	Recall    float64

	PreprocessMs  float64
	InferenceMs   float64
	PostprocessMs float64

	Error        string
	CreationTime time.Time
}

func Migration(db *gorm.DB) error {
	if err := db.AutoMigrate(&PipelineRun{}, &StepRun{}, &TrainingResult{}, &EvaluationResult{}); err != nil {
		return fmt.Errorf("initial migration failed: %w", err)
	}
	return nil
}
