package exams

import "context"

// Repository persists analyses and their exam records. Methods take part in
// the transaction carried by ctx, if any.
type Repository interface {
	CreateAnalysis(ctx context.Context, a *Analysis) error
	UpdateAnalysis(ctx context.Context, a *Analysis) error
	DeleteAnalysis(ctx context.Context, id int64) error
	GetAnalysis(ctx context.Context, id int64) (*Analysis, error)
	// LockAnalysis reads the row and holds a write lock until the transaction ends.
	LockAnalysis(ctx context.Context, id int64) (*Analysis, error)
	ListAnalyses(ctx context.Context, p ListParams) ([]*Analysis, int, error)
	SetMessageStatus(ctx context.Context, id int64, status MessageStatus) error

	// CreateExam inserts the exam and links it to the analysis.
	CreateExam(ctx context.Context, analysisID int64, e *ExamRecord) error
	// DeleteExams removes every exam linked to the analysis, returning their ids.
	DeleteExams(ctx context.Context, analysisID int64) ([]int64, error)
	ExamsFor(ctx context.Context, analysisIDs []int64) (map[int64][]*ExamRecord, error)
}
