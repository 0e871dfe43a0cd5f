package exams

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/labresults/lims/internal/domain/examtypes"
	"github.com/labresults/lims/internal/platform/apperr"
	"github.com/labresults/lims/internal/platform/auth"
	"github.com/labresults/lims/internal/platform/db"
	"github.com/labresults/lims/internal/platform/notification"
	"github.com/labresults/lims/internal/platform/search"
	"github.com/labresults/lims/internal/platform/websocket"
	"github.com/labresults/lims/pkg/pagination"
)

// TypeResolver loads the examination types referenced by a visit.
type TypeResolver interface {
	Resolve(ctx context.Context, ids []int64) (map[int64]*examtypes.ExaminationType, error)
}

// TokenIssuer signs results access tokens.
type TokenIssuer interface {
	Issue(analysisID int64, email string) (string, time.Time, error)
}

// ResultsNotifier emails the results link to the patient.
type ResultsNotifier interface {
	SendResultsReady(ctx context.Context, to, patientName, resultsURL, labName string) error
}

// EventPublisher receives committed analysis changes.
type EventPublisher interface {
	Publish(ctx context.Context, event websocket.Event) error
}

// ResultsLink is a freshly issued public results URL.
type ResultsLink struct {
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Config struct {
	FrontendURL string
	LabName     string
	Location    *time.Location
}

type Service struct {
	repo     Repository
	types    TypeResolver
	tx       db.Transactor
	tokens   TokenIssuer
	notifier ResultsNotifier
	cfg      Config
	events   EventPublisher
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(repo Repository, types TypeResolver, tx db.Transactor, tokens TokenIssuer,
	notifier ResultsNotifier, cfg Config, logger zerolog.Logger) *Service {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	cfg.FrontendURL = strings.TrimRight(cfg.FrontendURL, "/")
	return &Service{
		repo:     repo,
		types:    types,
		tx:       tx,
		tokens:   tokens,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With().Str("component", "exams").Logger(),
		now:      time.Now,
	}
}

// SetPublisher enables live change events. A nil publisher disables them.
func (s *Service) SetPublisher(p EventPublisher) {
	s.events = p
}

func (s *Service) publish(ctx context.Context, typ string, id int64, status MessageStatus) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, websocket.NewAnalysisEvent(typ, id, string(status))); err != nil {
		s.logger.Warn().Err(err).Int64("analysis_id", id).Str("event", typ).Msg("publish event failed")
	}
}

// CreateVisit stores a new analysis and its exams atomically.
func (s *Service) CreateVisit(ctx context.Context, in VisitInput) (*Analysis, error) {
	patient, err := s.validatePatient(in.Patient)
	if err != nil {
		return nil, err
	}
	tests, err := s.prepareTests(ctx, in.Tests)
	if err != nil {
		return nil, err
	}
	if err := checkValidationPermission(ctx, tests, nil); err != nil {
		return nil, err
	}

	a := &Analysis{
		Patient:       patient,
		AllValidated:  allValidated(tests),
		MessageStatus: StatusNotSent,
	}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.CreateAnalysis(ctx, a); err != nil {
			return err
		}
		return s.createExams(ctx, a.ID, tests)
	})
	if err != nil {
		return nil, err
	}

	a.Tests = tests
	a.decorate(s.now(), s.cfg.Location)
	s.logger.Info().Int64("analysis_id", a.ID).Int("tests", len(tests)).Msg("visit created")
	s.publish(ctx, websocket.EventVisitCreated, a.ID, a.MessageStatus)
	return a, nil
}

// UpdateVisit replaces the patient data and the whole exam set of an
// analysis. Concurrent updates are not versioned; the last commit wins.
func (s *Service) UpdateVisit(ctx context.Context, id int64, in VisitInput) (*Analysis, error) {
	patient, err := s.validatePatient(in.Patient)
	if err != nil {
		return nil, err
	}
	tests, err := s.prepareTests(ctx, in.Tests)
	if err != nil {
		return nil, err
	}

	a := &Analysis{
		ID:           id,
		Patient:      patient,
		AllValidated: allValidated(tests),
	}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		// an unknown id is reported as not found before any permission check
		if err := s.repo.UpdateAnalysis(ctx, a); err != nil {
			return err
		}
		previous, err := s.repo.ExamsFor(ctx, []int64{id})
		if err != nil {
			return err
		}
		if err := checkValidationPermission(ctx, tests, previous[id]); err != nil {
			return err
		}
		if _, err := s.repo.DeleteExams(ctx, id); err != nil {
			return err
		}
		return s.createExams(ctx, id, tests)
	})
	if err != nil {
		return nil, err
	}

	a.Tests = tests
	a.decorate(s.now(), s.cfg.Location)
	s.logger.Info().Int64("analysis_id", id).Int("tests", len(tests)).Msg("visit updated")
	s.publish(ctx, websocket.EventVisitUpdated, id, "")
	return a, nil
}

// DeleteVisit removes the analysis, its links and its exams.
func (s *Service) DeleteVisit(ctx context.Context, id int64) error {
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.repo.DeleteExams(ctx, id); err != nil {
			return err
		}
		return s.repo.DeleteAnalysis(ctx, id)
	})
	if err != nil {
		return err
	}
	s.logger.Info().Int64("analysis_id", id).Msg("visit deleted")
	s.publish(ctx, websocket.EventVisitDeleted, id, "")
	return nil
}

// ListVisits returns one page of analyses with their exams and the total
// number of matching rows.
func (s *Service) ListVisits(ctx context.Context, p ListParams) ([]*Analysis, int, error) {
	pg := pagination.New(p.Page, p.Limit)
	p.Page, p.Limit = pg.Page, pg.Limit

	items, total, err := s.repo.ListAnalyses(ctx, p)
	if err != nil {
		return nil, 0, err
	}
	if err := s.attachExams(ctx, items...); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *Service) GetVisit(ctx context.Context, id int64) (*Analysis, error) {
	a, err := s.repo.GetAnalysis(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.attachExams(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// UpdateMessageStatus sets any status; operators use it to record manual
// confirmations.
func (s *Service) UpdateMessageStatus(ctx context.Context, id int64, status MessageStatus) error {
	if !status.Valid() {
		return apperr.InvalidInput(fmt.Sprintf("invalid message status %q: must be one of %s, %s, %s",
			status, StatusNotSent, StatusSent, StatusRead))
	}
	if err := s.repo.SetMessageStatus(ctx, id, status); err != nil {
		return err
	}
	s.logger.Info().Int64("analysis_id", id).Str("status", string(status)).Msg("message status updated")
	s.publish(ctx, websocket.EventMessageStatusChanged, id, status)
	return nil
}

// MarkRead records that the patient opened the results.
func (s *Service) MarkRead(ctx context.Context, id int64) error {
	if err := s.repo.SetMessageStatus(ctx, id, StatusRead); err != nil {
		return err
	}
	s.publish(ctx, websocket.EventMessageStatusChanged, id, StatusRead)
	return nil
}

// GenerateResultsToken issues a results link without sending it.
func (s *Service) GenerateResultsToken(ctx context.Context, id int64) (*ResultsLink, error) {
	a, err := s.repo.GetAnalysis(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.issueLink(a)
}

// SendResults emails the results link and marks the analysis as sent. The row
// stays locked for the duration, so concurrent sends for one analysis run one
// after the other. A delivery failure leaves the status unchanged.
func (s *Service) SendResults(ctx context.Context, id int64) (*ResultsLink, error) {
	var link *ResultsLink
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		a, err := s.repo.LockAnalysis(ctx, id)
		if err != nil {
			return err
		}
		link, err = s.issueLink(a)
		if err != nil {
			return err
		}
		if err := s.notifier.SendResultsReady(ctx, a.Patient.Email, a.Patient.FullName(), link.URL, s.cfg.LabName); err != nil {
			if apperr.KindOf(err) != apperr.KindServer {
				return err
			}
			return apperr.Server("failed to send results email", err)
		}
		return s.repo.SetMessageStatus(ctx, id, StatusSent)
	})
	if err != nil {
		s.logger.Warn().Err(err).Int64("analysis_id", id).Msg("send results failed")
		return nil, err
	}
	s.logger.Info().Int64("analysis_id", id).Msg("results sent")
	s.publish(ctx, websocket.EventMessageStatusChanged, id, StatusSent)
	return link, nil
}

func (s *Service) issueLink(a *Analysis) (*ResultsLink, error) {
	token, exp, err := s.tokens.Issue(a.ID, a.Patient.Email)
	if err != nil {
		return nil, apperr.Server("failed to issue results token", err)
	}
	return &ResultsLink{
		Token:     token,
		URL:       s.cfg.FrontendURL + "/resultados/" + token,
		ExpiresAt: exp,
	}, nil
}

func (s *Service) attachExams(ctx context.Context, items ...*Analysis) error {
	if len(items) == 0 {
		return nil
	}
	ids := make([]int64, len(items))
	for i, a := range items {
		ids[i] = a.ID
	}
	exams, err := s.repo.ExamsFor(ctx, ids)
	if err != nil {
		return err
	}
	now := s.now()
	for _, a := range items {
		a.Tests = make(map[string]*ExamRecord, len(exams[a.ID]))
		for _, e := range exams[a.ID] {
			a.Tests[strconv.FormatInt(e.ExaminationTypeID, 10)] = e
		}
		a.decorate(now, s.cfg.Location)
	}
	return nil
}

func (s *Service) createExams(ctx context.Context, analysisID int64, tests map[string]*ExamRecord) error {
	keys := make([]string, 0, len(tests))
	for k := range tests {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := s.repo.CreateExam(ctx, analysisID, tests[k]); err != nil {
			return err
		}
	}
	return nil
}

// validatePatient checks required fields and returns a normalized copy.
func (s *Service) validatePatient(p Patient) (Patient, error) {
	p.CI = strings.TrimSpace(p.CI)
	p.FirstName = strings.TrimSpace(p.FirstName)
	p.LastName = strings.TrimSpace(p.LastName)
	p.DateOfBirth = strings.TrimSpace(p.DateOfBirth)
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
	p.Phone = strings.TrimSpace(p.Phone)
	p.Address = strings.TrimSpace(p.Address)
	p.Sex = strings.ToUpper(strings.TrimSpace(p.Sex))

	var missing []string
	for _, f := range []struct{ name, value string }{
		{"ci", p.CI},
		{"first_name", p.FirstName},
		{"last_name", p.LastName},
		{"date_of_birth", p.DateOfBirth},
		{"email", p.Email},
		{"sex", p.Sex},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return p, apperr.MissingFields(missing...)
	}

	for _, f := range []struct {
		name, value string
		max         int
	}{
		{"ci", p.CI, 20},
		{"first_name", p.FirstName, 100},
		{"last_name", p.LastName, 100},
		{"email", p.Email, 255},
		{"phone", p.Phone, 30},
	} {
		if err := apperr.MaxLength(f.name, f.value, f.max); err != nil {
			return p, err
		}
	}

	if !notification.ValidEmail(p.Email) {
		return p, apperr.InvalidInput("invalid email address")
	}
	switch p.Sex {
	case "M", "F", "O":
	default:
		return p, apperr.InvalidInput("sex must be one of M, F, O")
	}

	dob, err := search.ParseDay(p.DateOfBirth)
	if err != nil {
		return p, apperr.InvalidInput("date_of_birth must be YYYY-MM-DD or DD/MM/YYYY")
	}
	today := s.now().In(s.cfg.Location)
	if dob.After(time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)) {
		return p, apperr.InvalidInput("date_of_birth cannot be in the future")
	}
	p.DateOfBirth = dob.Format(dateLayout)
	return p, nil
}

// prepareTests resolves the examination types and validates every value.
func (s *Service) prepareTests(ctx context.Context, in map[string]TestInput) (map[string]*ExamRecord, error) {
	out := make(map[string]*ExamRecord, len(in))
	if len(in) == 0 {
		return out, nil
	}

	ids := make([]int64, 0, len(in))
	byID := make(map[int64]TestInput, len(in))
	for key, t := range in {
		id, err := strconv.ParseInt(strings.TrimSpace(key), 10, 64)
		if err != nil || id <= 0 {
			return nil, apperr.InvalidInput(fmt.Sprintf("invalid examination type id %q", key))
		}
		if _, dup := byID[id]; dup {
			return nil, apperr.InvalidInput(fmt.Sprintf("examination type %d listed twice", id))
		}
		ids = append(ids, id)
		byID[id] = t
	}

	types, err := s.types.Resolve(ctx, ids)
	if err != nil {
		return nil, err
	}

	for id, t := range byID {
		et := types[id]
		values, err := normalizeValues(et, t.TestValues)
		if err != nil {
			return nil, err
		}
		out[strconv.FormatInt(id, 10)] = &ExamRecord{
			ExaminationTypeID:   id,
			ExaminationTypeName: et.Name,
			TestValues:          values,
			Method:              strings.TrimSpace(t.Method),
			Observation:         strings.TrimSpace(t.Observation),
			Validated:           t.Validated,
		}
	}
	return out, nil
}

// checkValidationPermission refuses to mark exams validated on behalf of a
// user without the validate permission. Exams already validated may be kept
// as they are.
func checkValidationPermission(ctx context.Context, tests map[string]*ExamRecord, previous []*ExamRecord) error {
	p := auth.PrincipalFromContext(ctx)
	if p == nil || p.Has(auth.PermValidateExams) {
		return nil
	}
	wasValidated := make(map[int64]bool, len(previous))
	for _, e := range previous {
		wasValidated[e.ExaminationTypeID] = e.Validated
	}
	for _, t := range tests {
		if t.Validated && !wasValidated[t.ExaminationTypeID] {
			return apperr.Forbidden("missing permission: " + string(auth.PermValidateExams))
		}
	}
	return nil
}
