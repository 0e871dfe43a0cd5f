package exams

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/labresults/lims/internal/domain/examtypes"
	"github.com/labresults/lims/internal/platform/apperr"
)

// memRepo is an in-memory Repository. Paired with memTx it restores its
// state when a transaction fails, so atomicity can be asserted without a
// database.
type memRepo struct {
	mu       sync.Mutex
	analyses map[int64]Analysis
	exams    map[int64]ExamRecord
	links    map[int64][]int64
	nextA    int64
	nextE    int64
	clock    func() time.Time

	failCreateExamAfter int // fail the nth CreateExam call when > 0
	createExamCalls     int
}

func newMemRepo(clock func() time.Time) *memRepo {
	return &memRepo{
		analyses: map[int64]Analysis{},
		exams:    map[int64]ExamRecord{},
		links:    map[int64][]int64{},
		clock:    clock,
	}
}

type memSnapshot struct {
	analyses map[int64]Analysis
	exams    map[int64]ExamRecord
	links    map[int64][]int64
	nextA    int64
	nextE    int64
}

func (m *memRepo) snapshot() memSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := memSnapshot{
		analyses: make(map[int64]Analysis, len(m.analyses)),
		exams:    make(map[int64]ExamRecord, len(m.exams)),
		links:    make(map[int64][]int64, len(m.links)),
		nextA:    m.nextA,
		nextE:    m.nextE,
	}
	for k, v := range m.analyses {
		s.analyses[k] = v
	}
	for k, v := range m.exams {
		s.exams[k] = v
	}
	for k, v := range m.links {
		s.links[k] = append([]int64(nil), v...)
	}
	return s
}

func (m *memRepo) restore(s memSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.analyses, m.exams, m.links, m.nextA, m.nextE = s.analyses, s.exams, s.links, s.nextA, s.nextE
}

type memTx struct{ repo *memRepo }

func (t memTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	snap := t.repo.snapshot()
	if err := fn(ctx); err != nil {
		t.repo.restore(snap)
		return err
	}
	return nil
}

func (m *memRepo) CreateAnalysis(_ context.Context, a *Analysis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextA++
	a.ID = m.nextA
	a.CreatedAt = m.clock()
	a.UpdatedAt = a.CreatedAt
	stored := *a
	stored.Tests = nil
	m.analyses[a.ID] = stored
	return nil
}

func (m *memRepo) UpdateAnalysis(_ context.Context, a *Analysis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.analyses[a.ID]
	if !ok {
		return apperr.NotFound(notFound(a.ID))
	}
	cur.Patient = a.Patient
	cur.AllValidated = a.AllValidated
	cur.UpdatedAt = m.clock()
	m.analyses[a.ID] = cur
	a.MessageStatus, a.CreatedAt, a.UpdatedAt = cur.MessageStatus, cur.CreatedAt, cur.UpdatedAt
	return nil
}

func (m *memRepo) DeleteAnalysis(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.analyses[id]; !ok {
		return apperr.NotFound(notFound(id))
	}
	delete(m.analyses, id)
	return nil
}

func (m *memRepo) GetAnalysis(_ context.Context, id int64) (*Analysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.analyses[id]
	if !ok {
		return nil, apperr.NotFound(notFound(id))
	}
	return &a, nil
}

func (m *memRepo) LockAnalysis(ctx context.Context, id int64) (*Analysis, error) {
	return m.GetAnalysis(ctx, id)
}

func (m *memRepo) ListAnalyses(_ context.Context, p ListParams) ([]*Analysis, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	term := strings.ToLower(p.Search)
	var matched []*Analysis
	for _, a := range m.analyses {
		a := a
		if term != "" && !strings.Contains(strings.ToLower(a.Patient.CI+" "+a.Patient.FullName()+" "+a.Patient.Email), term) {
			continue
		}
		if st, ok := p.Filters["message_status"]; ok && string(a.MessageStatus) != st {
			continue
		}
		matched = append(matched, &a)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	total := len(matched)
	start := p.Offset()
	if start > total {
		start = total
	}
	end := start + p.Limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (m *memRepo) SetMessageStatus(_ context.Context, id int64, status MessageStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.analyses[id]
	if !ok {
		return apperr.NotFound(notFound(id))
	}
	a.MessageStatus = status
	m.analyses[id] = a
	return nil
}

func (m *memRepo) CreateExam(_ context.Context, analysisID int64, e *ExamRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createExamCalls++
	if m.failCreateExamAfter > 0 && m.createExamCalls >= m.failCreateExamAfter {
		return apperr.Server("insert exam", errors.New("disk full"))
	}
	m.nextE++
	e.ID = m.nextE
	m.exams[e.ID] = *e
	m.links[analysisID] = append(m.links[analysisID], e.ID)
	return nil
}

func (m *memRepo) DeleteExams(_ context.Context, analysisID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.links[analysisID]
	for _, id := range ids {
		delete(m.exams, id)
	}
	delete(m.links, analysisID)
	return ids, nil
}

func (m *memRepo) ExamsFor(_ context.Context, analysisIDs []int64) (map[int64][]*ExamRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64][]*ExamRecord, len(analysisIDs))
	for _, aid := range analysisIDs {
		for _, eid := range m.links[aid] {
			e := m.exams[eid]
			out[aid] = append(out[aid], &e)
		}
	}
	return out, nil
}

func (m *memRepo) examCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.exams)
}

func (m *memRepo) analysisCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.analyses)
}

type fakeIssuer struct {
	expires time.Time
	err     error
}

func (f *fakeIssuer) Issue(analysisID int64, email string) (string, time.Time, error) {
	if f.err != nil {
		return "", time.Time{}, f.err
	}
	return fmt.Sprintf("tok-%d-%s", analysisID, email), f.expires, nil
}

type sentResults struct {
	to, patient, url, lab string
}

type fakeNotifier struct {
	err  error
	sent []sentResults
}

func (f *fakeNotifier) SendResultsReady(_ context.Context, to, patientName, resultsURL, labName string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentResults{to, patientName, resultsURL, labName})
	return nil
}

func fixtureTypes() []*examtypes.ExaminationType {
	return []*examtypes.ExaminationType{
		{ID: 1, Code: "GLUCOSA", Name: "Glucosa", Fields: []examtypes.Field{
			{Key: "glucosa", Label: "Glucosa", Type: examtypes.FieldNumeric, Unit: "mg/dL", ReferenceRange: "70 - 100"},
		}},
		{ID: 2, Code: "GRUPO_SANGUINEO", Name: "Grupo sanguíneo", Fields: []examtypes.Field{
			{Key: "grupo", Label: "Grupo", Type: examtypes.FieldSelect, Options: []string{"A", "B", "AB", "O"}},
			{Key: "rh", Label: "Factor Rh", Type: examtypes.FieldSelect, Options: []string{"+", "-"}},
		}},
		{ID: 3, Code: "PRUEBA_EMBARAZO", Name: "Prueba de embarazo", Fields: []examtypes.Field{
			{Key: "resultado", Label: "Resultado", Type: examtypes.FieldBoolean},
			{Key: "nota", Label: "Nota", Type: examtypes.FieldText},
		}},
	}
}

var fixedNow = time.Date(2024, 6, 15, 10, 30, 0, 0, time.UTC)

type fixture struct {
	svc      *Service
	repo     *memRepo
	notifier *fakeNotifier
	issuer   *fakeIssuer
}

func newFixture() *fixture {
	repo := newMemRepo(func() time.Time { return fixedNow })
	types := examtypes.NewService(examtypes.NewMemoryRepo(fixtureTypes()...))
	issuer := &fakeIssuer{expires: fixedNow.Add(7 * 24 * time.Hour)}
	notifier := &fakeNotifier{}
	svc := NewService(repo, types, memTx{repo: repo}, issuer, notifier, Config{
		FrontendURL: "https://lab.example/",
		LabName:     "Laboratorio Central",
		Location:    time.UTC,
	}, zerolog.Nop())
	svc.now = func() time.Time { return fixedNow }
	return &fixture{svc: svc, repo: repo, notifier: notifier, issuer: issuer}
}

func samplePatient() Patient {
	return Patient{
		CI:          "12345678",
		FirstName:   "Ana",
		LastName:    "Pérez",
		DateOfBirth: "2000-06-15",
		Email:       "ana@example.com",
		Sex:         "F",
	}
}
