package exams

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labresults/lims/internal/platform/apperr"
	"github.com/labresults/lims/internal/platform/auth"
	"github.com/labresults/lims/internal/platform/websocket"
)

func glucoseInput(value FieldValue, validated bool) TestInput {
	return TestInput{
		TestValues: map[string]TestValue{"glucosa": {Value: value}},
		Validated:  validated,
	}
}

func bloodGroupInput(group string, validated bool) TestInput {
	return TestInput{
		TestValues: map[string]TestValue{
			"grupo": {Value: String(group)},
			"rh":    {Value: String("+")},
		},
		Validated: validated,
	}
}

func TestCreateVisit_DerivesAllValidated(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	clientSays := true

	a, err := f.svc.CreateVisit(ctx, VisitInput{
		Patient: samplePatient(),
		Tests: map[string]TestInput{
			"1": glucoseInput(Number(90), true),
			"2": bloodGroupInput("O", false),
		},
		AllValidated: &clientSays,
	})
	require.NoError(t, err)
	assert.False(t, a.AllValidated, "one unvalidated exam keeps the visit unvalidated")
	assert.Equal(t, StatusNotSent, a.MessageStatus)
	assert.Len(t, a.Tests, 2)
	assert.Equal(t, "Glucosa", a.Tests["1"].ExaminationTypeName)
	assert.NotZero(t, a.Tests["1"].ID)

	all, err := f.svc.CreateVisit(ctx, VisitInput{
		Patient: samplePatient(),
		Tests:   map[string]TestInput{"1": glucoseInput(Number(90), true)},
	})
	require.NoError(t, err)
	assert.True(t, all.AllValidated)
}

func TestCreateVisit_NoTestsIsNotValidated(t *testing.T) {
	f := newFixture()
	a, err := f.svc.CreateVisit(context.Background(), VisitInput{Patient: samplePatient()})
	require.NoError(t, err)
	assert.False(t, a.AllValidated)
	assert.NotNil(t, a.Tests)
	assert.Empty(t, a.Tests)
}

func TestCreateVisit_DecoratesAgeAndDates(t *testing.T) {
	f := newFixture()
	a, err := f.svc.CreateVisit(context.Background(), VisitInput{Patient: samplePatient()})
	require.NoError(t, err)
	assert.Equal(t, 24, a.Age)
	assert.Equal(t, "15/06/2024", a.CreatedDate)
	assert.Equal(t, "10:30", a.CreatedTime)
}

func TestCreateVisit_RollsBackOnExamFailure(t *testing.T) {
	f := newFixture()
	f.repo.failCreateExamAfter = 2

	_, err := f.svc.CreateVisit(context.Background(), VisitInput{
		Patient: samplePatient(),
		Tests: map[string]TestInput{
			"1": glucoseInput(Number(90), false),
			"2": bloodGroupInput("A", false),
		},
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindServer, apperr.KindOf(err))
	assert.Zero(t, f.repo.analysisCount(), "analysis row must not survive a failed exam insert")
	assert.Zero(t, f.repo.examCount())
}

func TestCreateVisit_PatientValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Patient)
		kind   apperr.Kind
	}{
		{"missing names", func(p *Patient) { p.FirstName, p.LastName = "", " " }, apperr.KindMissingFields},
		{"missing email", func(p *Patient) { p.Email = "" }, apperr.KindMissingFields},
		{"bad email", func(p *Patient) { p.Email = "not-an-email" }, apperr.KindInvalidInput},
		{"bad sex", func(p *Patient) { p.Sex = "X" }, apperr.KindInvalidInput},
		{"bad date", func(p *Patient) { p.DateOfBirth = "2000-13-40" }, apperr.KindInvalidInput},
		{"future date", func(p *Patient) { p.DateOfBirth = "2030-01-01" }, apperr.KindInvalidInput},
		{"ci too long", func(p *Patient) { p.CI = fmt.Sprintf("%021d", 1) }, apperr.KindInvalidInput},
		{"phone too long", func(p *Patient) { p.Phone = fmt.Sprintf("%031d", 1) }, apperr.KindInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			p := samplePatient()
			tt.mutate(&p)
			_, err := f.svc.CreateVisit(context.Background(), VisitInput{Patient: p})
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
			assert.Zero(t, f.repo.analysisCount())
		})
	}
}

func TestCreateVisit_NormalizesPatient(t *testing.T) {
	f := newFixture()
	p := samplePatient()
	p.DateOfBirth = "15/06/2000"
	p.Email = "  Ana@Example.COM "
	p.Sex = "f"

	a, err := f.svc.CreateVisit(context.Background(), VisitInput{Patient: p})
	require.NoError(t, err)
	assert.Equal(t, "2000-06-15", a.Patient.DateOfBirth)
	assert.Equal(t, "ana@example.com", a.Patient.Email)
	assert.Equal(t, "F", a.Patient.Sex)
}

func TestCreateVisit_InvalidTests(t *testing.T) {
	tests := []struct {
		name  string
		tests map[string]TestInput
		kind  apperr.Kind
	}{
		{"non numeric key", map[string]TestInput{"abc": {}}, apperr.KindInvalidInput},
		{"unknown type", map[string]TestInput{"99": {}}, apperr.KindNotFound},
		{"unknown field", map[string]TestInput{"1": {TestValues: map[string]TestValue{"hdl": {Value: Number(1)}}}}, apperr.KindInvalidInput},
		{"bad number", map[string]TestInput{"1": glucoseInput(String("alto"), false)}, apperr.KindInvalidInput},
		{"bad option", map[string]TestInput{"2": bloodGroupInput("Z", false)}, apperr.KindInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			_, err := f.svc.CreateVisit(context.Background(), VisitInput{Patient: samplePatient(), Tests: tt.tests})
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
		})
	}
}

func TestCreateVisit_CoercesValuesAndFillsDefaults(t *testing.T) {
	f := newFixture()
	a, err := f.svc.CreateVisit(context.Background(), VisitInput{
		Patient: samplePatient(),
		Tests:   map[string]TestInput{"1": glucoseInput(String("95,5"), false)},
	})
	require.NoError(t, err)

	tv := a.Tests["1"].TestValues["glucosa"]
	assert.Equal(t, Number(95.5), tv.Value)
	assert.Equal(t, "mg/dL", tv.Unit)
	assert.Equal(t, "70 - 100", tv.ReferenceRange)
}

func TestUpdateVisit_ReplacesExamSet(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a, err := f.svc.CreateVisit(ctx, VisitInput{
		Patient: samplePatient(),
		Tests: map[string]TestInput{
			"1": glucoseInput(Number(90), true),
			"2": bloodGroupInput("A", true),
		},
	})
	require.NoError(t, err)
	require.Equal(t, 2, f.repo.examCount())

	p := samplePatient()
	p.Phone = "099123456"
	_, err = f.svc.UpdateVisit(ctx, a.ID, VisitInput{
		Patient: p,
		Tests: map[string]TestInput{
			"3": {TestValues: map[string]TestValue{"resultado": {Value: String("false")}}},
		},
	})
	require.NoError(t, err)

	got, err := f.svc.GetVisit(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, got.Tests, 1)
	require.Contains(t, got.Tests, "3")
	assert.Equal(t, Bool(false), got.Tests["3"].TestValues["resultado"].Value)
	assert.Equal(t, "099123456", got.Patient.Phone)
	assert.False(t, got.AllValidated)
	assert.Equal(t, 1, f.repo.examCount(), "old exams are removed, not orphaned")
}

func TestUpdateVisit_NotFoundLeavesStateUntouched(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.svc.CreateVisit(ctx, VisitInput{
		Patient: samplePatient(),
		Tests:   map[string]TestInput{"1": glucoseInput(Number(90), false)},
	})
	require.NoError(t, err)

	_, err = f.svc.UpdateVisit(ctx, 404, VisitInput{
		Patient: samplePatient(),
		Tests:   map[string]TestInput{"2": bloodGroupInput("B", false)},
	})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	assert.Equal(t, 1, f.repo.examCount())
}

func TestUpdateVisit_LastWriterWins(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a, err := f.svc.CreateVisit(ctx, VisitInput{Patient: samplePatient()})
	require.NoError(t, err)

	first := samplePatient()
	first.Address = "Calle 1"
	second := samplePatient()
	second.Address = "Calle 2"

	_, err = f.svc.UpdateVisit(ctx, a.ID, VisitInput{Patient: first, Tests: map[string]TestInput{"1": glucoseInput(Number(80), false)}})
	require.NoError(t, err)
	_, err = f.svc.UpdateVisit(ctx, a.ID, VisitInput{Patient: second, Tests: map[string]TestInput{"1": glucoseInput(Number(85), false)}})
	require.NoError(t, err)

	got, err := f.svc.GetVisit(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Calle 2", got.Patient.Address)
	assert.Equal(t, Number(85), got.Tests["1"].TestValues["glucosa"].Value)
}

func TestUpdateVisit_KeepsMessageStatus(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a, err := f.svc.CreateVisit(ctx, VisitInput{Patient: samplePatient()})
	require.NoError(t, err)
	require.NoError(t, f.svc.UpdateMessageStatus(ctx, a.ID, StatusSent))

	updated, err := f.svc.UpdateVisit(ctx, a.ID, VisitInput{Patient: samplePatient()})
	require.NoError(t, err)
	assert.Equal(t, StatusSent, updated.MessageStatus)
}

func TestDeleteVisit(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a, err := f.svc.CreateVisit(ctx, VisitInput{
		Patient: samplePatient(),
		Tests:   map[string]TestInput{"1": glucoseInput(Number(90), false), "2": bloodGroupInput("O", false)},
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteVisit(ctx, a.ID))
	_, err = f.svc.GetVisit(ctx, a.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	assert.Zero(t, f.repo.examCount())

	err = f.svc.DeleteVisit(ctx, a.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestListVisits_SecondPageOfSixty(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	for i := 0; i < 60; i++ {
		p := samplePatient()
		p.CI = fmt.Sprintf("%08d", i+1)
		_, err := f.svc.CreateVisit(ctx, VisitInput{Patient: p, Tests: map[string]TestInput{"1": glucoseInput(Number(90), false)}})
		require.NoError(t, err)
	}

	items, total, err := f.svc.ListVisits(ctx, ListParams{Page: 2, Limit: 25})
	require.NoError(t, err)
	assert.Equal(t, 60, total)
	require.Len(t, items, 25)
	assert.Equal(t, int64(35), items[0].ID, "newest first, ties broken by id")
	assert.Equal(t, int64(11), items[24].ID)
	assert.Len(t, items[0].Tests, 1)
	assert.Equal(t, 24, items[0].Age)
}

func TestListVisits_ClampsPaging(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.svc.CreateVisit(ctx, VisitInput{Patient: samplePatient()})
	require.NoError(t, err)

	items, total, err := f.svc.ListVisits(ctx, ListParams{Page: 0, Limit: 0})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, items, 1)
}

func TestUpdateMessageStatus(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a, err := f.svc.CreateVisit(ctx, VisitInput{Patient: samplePatient()})
	require.NoError(t, err)

	for _, st := range []MessageStatus{StatusRead, StatusNotSent, StatusSent, StatusRead} {
		require.NoError(t, f.svc.UpdateMessageStatus(ctx, a.ID, st))
		got, err := f.svc.GetVisit(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, st, got.MessageStatus)
	}

	err = f.svc.UpdateMessageStatus(ctx, a.ID, "ARCHIVADO")
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))

	err = f.svc.UpdateMessageStatus(ctx, 999, StatusSent)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestMarkRead(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a, err := f.svc.CreateVisit(ctx, VisitInput{Patient: samplePatient()})
	require.NoError(t, err)

	require.NoError(t, f.svc.MarkRead(ctx, a.ID))
	got, err := f.svc.GetVisit(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRead, got.MessageStatus)
}

func TestGenerateResultsToken(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a, err := f.svc.CreateVisit(ctx, VisitInput{Patient: samplePatient()})
	require.NoError(t, err)

	link, err := f.svc.GenerateResultsToken(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "tok-1-ana@example.com", link.Token)
	assert.Equal(t, "https://lab.example/resultados/tok-1-ana@example.com", link.URL)
	assert.Equal(t, f.issuer.expires, link.ExpiresAt)

	got, err := f.svc.GetVisit(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusNotSent, got.MessageStatus, "generating a link does not send it")

	_, err = f.svc.GenerateResultsToken(ctx, 77)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestSendResults_MarksSent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a, err := f.svc.CreateVisit(ctx, VisitInput{Patient: samplePatient()})
	require.NoError(t, err)

	link, err := f.svc.SendResults(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, f.notifier.sent, 1)
	sent := f.notifier.sent[0]
	assert.Equal(t, "ana@example.com", sent.to)
	assert.Equal(t, "Ana Pérez", sent.patient)
	assert.Equal(t, link.URL, sent.url)
	assert.Equal(t, "Laboratorio Central", sent.lab)

	got, err := f.svc.GetVisit(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.MessageStatus)
}

func TestSendResults_DeliveryFailureKeepsStatus(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a, err := f.svc.CreateVisit(ctx, VisitInput{Patient: samplePatient()})
	require.NoError(t, err)

	f.notifier.err = errors.New("smtp: connection refused")
	_, err = f.svc.SendResults(ctx, a.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindServer, apperr.KindOf(err))

	got, err := f.svc.GetVisit(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusNotSent, got.MessageStatus)
}

func TestSendResults_InvalidRecipientPassesThrough(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a, err := f.svc.CreateVisit(ctx, VisitInput{Patient: samplePatient()})
	require.NoError(t, err)

	f.notifier.err = apperr.InvalidInput("invalid recipient email address")
	_, err = f.svc.SendResults(ctx, a.ID)
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}

func TestSendResults_NotFound(t *testing.T) {
	f := newFixture()
	_, err := f.svc.SendResults(context.Background(), 5)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	assert.Empty(t, f.notifier.sent)
}

func TestValidationRequiresPermission(t *testing.T) {
	f := newFixture()
	tech := &auth.Principal{UserID: 2, Permissions: map[auth.Permission]bool{
		auth.PermCreateExams: true, auth.PermEditExams: true,
	}}
	bioquimico := &auth.Principal{UserID: 3, Permissions: map[auth.Permission]bool{
		auth.PermEditExams: true, auth.PermValidateExams: true,
	}}
	techCtx := auth.WithPrincipal(context.Background(), tech)
	bioCtx := auth.WithPrincipal(context.Background(), bioquimico)

	_, err := f.svc.CreateVisit(techCtx, VisitInput{
		Patient: samplePatient(),
		Tests:   map[string]TestInput{"1": glucoseInput(Number(90), true)},
	})
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	a, err := f.svc.CreateVisit(techCtx, VisitInput{
		Patient: samplePatient(),
		Tests:   map[string]TestInput{"1": glucoseInput(Number(90), false)},
	})
	require.NoError(t, err)

	_, err = f.svc.UpdateVisit(bioCtx, a.ID, VisitInput{
		Patient: samplePatient(),
		Tests:   map[string]TestInput{"1": glucoseInput(Number(90), true)},
	})
	require.NoError(t, err)

	// an already validated exam can be resubmitted as is
	_, err = f.svc.UpdateVisit(techCtx, a.ID, VisitInput{
		Patient: samplePatient(),
		Tests:   map[string]TestInput{"1": glucoseInput(Number(90), true)},
	})
	require.NoError(t, err)

	_, err = f.svc.UpdateVisit(techCtx, a.ID, VisitInput{
		Patient: samplePatient(),
		Tests: map[string]TestInput{
			"1": glucoseInput(Number(90), true),
			"2": bloodGroupInput("A", true),
		},
	})
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestUpdateVisit_UnknownIDWithoutValidatePermission(t *testing.T) {
	f := newFixture()
	tech := &auth.Principal{UserID: 2, Permissions: map[auth.Permission]bool{auth.PermEditExams: true}}
	ctx := auth.WithPrincipal(context.Background(), tech)

	_, err := f.svc.UpdateVisit(ctx, 99, VisitInput{
		Patient: samplePatient(),
		Tests:   map[string]TestInput{"1": glucoseInput(Number(90), true)},
	})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestUpdateVisit_ForbiddenLeavesPatientUnchanged(t *testing.T) {
	f := newFixture()
	tech := &auth.Principal{UserID: 2, Permissions: map[auth.Permission]bool{
		auth.PermCreateExams: true, auth.PermEditExams: true,
	}}
	ctx := auth.WithPrincipal(context.Background(), tech)

	a, err := f.svc.CreateVisit(ctx, VisitInput{Patient: samplePatient()})
	require.NoError(t, err)

	changed := samplePatient()
	changed.Phone = "099111222"
	_, err = f.svc.UpdateVisit(ctx, a.ID, VisitInput{
		Patient: changed,
		Tests:   map[string]TestInput{"1": glucoseInput(Number(90), true)},
	})
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	got, err := f.svc.GetVisit(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, samplePatient().Phone, got.Patient.Phone)
}

type recordingPublisher struct {
	events []websocket.Event
}

func (r *recordingPublisher) Publish(_ context.Context, e websocket.Event) error {
	r.events = append(r.events, e)
	return nil
}

func TestPublishesCommittedChanges(t *testing.T) {
	f := newFixture()
	pub := &recordingPublisher{}
	f.svc.SetPublisher(pub)
	ctx := context.Background()

	a, err := f.svc.CreateVisit(ctx, VisitInput{Patient: samplePatient()})
	require.NoError(t, err)
	_, err = f.svc.SendResults(ctx, a.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.MarkRead(ctx, a.ID))

	f.notifier.err = errors.New("smtp down")
	_, err = f.svc.SendResults(ctx, a.ID)
	require.Error(t, err)

	require.Len(t, pub.events, 3)
	assert.Equal(t, websocket.EventVisitCreated, pub.events[0].Type)
	assert.Equal(t, string(StatusNotSent), pub.events[0].MessageStatus)
	assert.Equal(t, string(StatusSent), pub.events[1].MessageStatus)
	assert.Equal(t, string(StatusRead), pub.events[2].MessageStatus)
	for _, e := range pub.events {
		assert.Equal(t, a.ID, e.AnalysisID)
		assert.Equal(t, websocket.AnalysisTopic(a.ID), e.Topic)
	}
}
