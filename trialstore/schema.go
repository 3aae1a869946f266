package trialstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Project is the single row identifying the project a database belongs to.
type Project struct {
	Id        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"uniqueIndex;not null"`
	CreatedAt time.Time
}

// Trial is the stored form of hypertune.Trial.
type Trial struct {
	ProjectId uuid.UUID `gorm:"type:uuid;primaryKey"`
	TrialId   string    `gorm:"primaryKey"`
	Project   *Project  `gorm:"foreignKey:ProjectId;constraint:OnDelete:CASCADE"`

	Status   string         `gorm:"size:20;not null"`
	Values   datatypes.JSON `gorm:"not null"` // {"units": 96, "tuner/epochs": 4, ...}
	Score    float64
	Scored   bool
	BestStep int
	Metrics  datatypes.JSON // {"val_accuracy": [{"step": 0, "value": 0.8}], ...}
	Message  string

	// Timestamps come from the oracle, not from the database.
	CreatedAt time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`
}

// OracleState holds the JSON-encoded hypertune.OracleState of a project.
type OracleState struct {
	ProjectId uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Project   *Project       `gorm:"foreignKey:ProjectId;constraint:OnDelete:CASCADE"`
	State     datatypes.JSON `gorm:"not null"`
	UpdatedAt time.Time
}
