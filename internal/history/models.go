package history

import "time"

// BuildRecordModel maps to the "build_history" table.
// No UpdatedAt or DeletedAt: history is append-only.
type BuildRecordModel struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	JobID          string `gorm:"size:36;not null;uniqueIndex"`
	ProjectPath    string `gorm:"size:512;not null"`
	Scheme         string `gorm:"size:128;not null;index"`
	Status         string `gorm:"size:16;not null;index"`
	ExitCode       *int
	ElapsedMS      int64
	ArtifactSHA256 string    `gorm:"size:64"`
	ErrorCode      string    `gorm:"size:64"`
	StartedAt      time.Time `gorm:"not null;index"`
	FinishedAt     *time.Time
	CreatedAt      time.Time
}

func (BuildRecordModel) TableName() string { return "build_history" }

func toModel(e Entry) BuildRecordModel {
	return BuildRecordModel{
		JobID:          e.JobID,
		ProjectPath:    e.ProjectPath,
		Scheme:         e.Scheme,
		Status:         e.Status,
		ExitCode:       e.ExitCode,
		ElapsedMS:      e.ElapsedMS,
		ArtifactSHA256: e.ArtifactSHA256,
		ErrorCode:      e.ErrorCode,
		StartedAt:      e.StartedAt.UTC(),
		FinishedAt:     utcPtr(e.FinishedAt),
	}
}

func toEntry(m *BuildRecordModel) Entry {
	return Entry{
		JobID:          m.JobID,
		ProjectPath:    m.ProjectPath,
		Scheme:         m.Scheme,
		Status:         m.Status,
		ExitCode:       m.ExitCode,
		ElapsedMS:      m.ElapsedMS,
		ArtifactSHA256: m.ArtifactSHA256,
		ErrorCode:      m.ErrorCode,
		StartedAt:      m.StartedAt.UTC(),
		FinishedAt:     utcPtr(m.FinishedAt),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
