package exams

import (
	"strings"
	"time"
)

// MessageStatus tracks whether the patient has been told about the results.
type MessageStatus string

const (
	StatusNotSent MessageStatus = "NO_ENVIADO"
	StatusSent    MessageStatus = "ENVIADO"
	StatusRead    MessageStatus = "LEIDO"
)

func (s MessageStatus) Valid() bool {
	switch s {
	case StatusNotSent, StatusSent, StatusRead:
		return true
	}
	return false
}

// Patient holds the demographic fields captured at each visit.
type Patient struct {
	CI          string `json:"ci"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	DateOfBirth string `json:"date_of_birth"`
	Email       string `json:"email"`
	Phone       string `json:"phone,omitempty"`
	Address     string `json:"address,omitempty"`
	Sex         string `json:"sex"`
}

func (p Patient) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Analysis is one patient visit with its exam records.
type Analysis struct {
	ID            int64         `json:"id"`
	Patient       Patient       `json:"patient"`
	AllValidated  bool          `json:"all_validated"`
	MessageStatus MessageStatus `json:"message_status"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`

	Age         int    `json:"age"`
	CreatedDate string `json:"created_date"`
	CreatedTime string `json:"created_time"`

	// Tests is keyed by examination type id.
	Tests map[string]*ExamRecord `json:"tests"`
}

// ExamRecord holds the results of one examination type within a visit.
type ExamRecord struct {
	ID                  int64                `json:"id"`
	ExaminationTypeID   int64                `json:"examination_type_id"`
	ExaminationTypeName string               `json:"examination_type_name,omitempty"`
	TestValues          map[string]TestValue `json:"test_values"`
	Method              string               `json:"method,omitempty"`
	Observation         string               `json:"observation,omitempty"`
	Validated           bool                 `json:"validated"`
}

// TestInput is the client-supplied content of one exam.
type TestInput struct {
	TestValues  map[string]TestValue `json:"test_values"`
	Method      string               `json:"method"`
	Observation string               `json:"observation"`
	Validated   bool                 `json:"validated"`
}

// VisitInput is the body of create and update requests. AllValidated is
// accepted for compatibility but always recomputed from Tests.
type VisitInput struct {
	Patient      Patient              `json:"patient"`
	Tests        map[string]TestInput `json:"tests"`
	AllValidated *bool                `json:"all_validated,omitempty"`
}

// ListParams selects one page of analyses.
type ListParams struct {
	Page      int
	Limit     int
	SortField string
	SortOrder string
	Search    string
	Filters   map[string]string
}

// Offset returns the number of rows to skip.
func (p ListParams) Offset() int {
	if p.Page < 1 {
		return 0
	}
	return (p.Page - 1) * p.Limit
}

// AgeOn returns whole years between dob and today.
func AgeOn(dob, today time.Time) int {
	years := today.Year() - dob.Year()
	if today.Month() < dob.Month() || (today.Month() == dob.Month() && today.Day() < dob.Day()) {
		years--
	}
	if years < 0 {
		return 0
	}
	return years
}

// allValidated is true only when every exam is validated; no exams is false.
func allValidated(tests map[string]*ExamRecord) bool {
	if len(tests) == 0 {
		return false
	}
	for _, t := range tests {
		if !t.Validated {
			return false
		}
	}
	return true
}

// decorate fills the derived display fields.
func (a *Analysis) decorate(now time.Time, loc *time.Location) {
	if dob, err := time.Parse(dateLayout, a.Patient.DateOfBirth); err == nil {
		a.Age = AgeOn(dob, now.In(loc))
	}
	created := a.CreatedAt.In(loc)
	a.CreatedDate = created.Format("02/01/2006")
	a.CreatedTime = created.Format("15:04")
	if a.Tests == nil {
		a.Tests = map[string]*ExamRecord{}
	}
}

const dateLayout = "2006-01-02"
