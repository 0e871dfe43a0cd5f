// Package notification renders and delivers the transactional emails of the
// laboratory: account invitations, password resets and results-ready notices.
package notification

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/url"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/labresults/lims/internal/platform/apperr"
)

// ErrDispatch wraps every transport failure.
var ErrDispatch = errors.New("notification dispatch failed")

// EmailSender delivers one HTML email.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, htmlBody string) error
}

//go:embed templates/*.html
var templateFS embed.FS

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// ValidEmail reports whether s looks like a deliverable address.
func ValidEmail(s string) bool {
	return emailPattern.MatchString(s)
}

// Template identifiers.
const (
	TemplateInvitation    = "invitation.html"
	TemplatePasswordReset = "password_reset.html"
	TemplateResultsReady  = "results_ready.html"
)

type templateData struct {
	LabName     string
	PatientName string
	Link        string
}

// Dispatcher renders the embedded templates and hands them to an EmailSender.
type Dispatcher struct {
	sender    EmailSender
	templates *template.Template
	labName   string
	logger    zerolog.Logger
}

func NewDispatcher(sender EmailSender, labName string, logger zerolog.Logger) (*Dispatcher, error) {
	tpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse email templates: %w", err)
	}
	return &Dispatcher{
		sender:    sender,
		templates: tpl,
		labName:   labName,
		logger:    logger.With().Str("component", "notification").Logger(),
	}, nil
}

// SendInvitation mails the account activation link.
func (d *Dispatcher) SendInvitation(ctx context.Context, to, token, baseURL string) error {
	link := buildLink(baseURL, "/activar-cuenta", token)
	return d.send(ctx, to, "Invitación a "+d.labName, TemplateInvitation, templateData{
		LabName: d.labName,
		Link:    link,
	})
}

// SendPasswordReset mails the password reset link.
func (d *Dispatcher) SendPasswordReset(ctx context.Context, to, token, baseURL string) error {
	link := buildLink(baseURL, "/restablecer-contrasena", token)
	return d.send(ctx, to, "Restablecer contraseña", TemplatePasswordReset, templateData{
		LabName: d.labName,
		Link:    link,
	})
}

// SendResultsReady tells a patient where to read their results. labName
// overrides the dispatcher default when set.
func (d *Dispatcher) SendResultsReady(ctx context.Context, to, patientName, resultsURL, labName string) error {
	if labName == "" {
		labName = d.labName
	}
	return d.send(ctx, to, "Resultados disponibles - "+labName, TemplateResultsReady, templateData{
		LabName:     labName,
		PatientName: patientName,
		Link:        resultsURL,
	})
}

func (d *Dispatcher) send(ctx context.Context, to, subject, name string, data templateData) error {
	to = strings.TrimSpace(to)
	if !ValidEmail(to) {
		return apperr.InvalidInput("invalid recipient email address")
	}

	var body bytes.Buffer
	if err := d.templates.ExecuteTemplate(&body, name, data); err != nil {
		return fmt.Errorf("render %s: %w", name, err)
	}

	if err := d.sender.SendEmail(ctx, to, subject, body.String()); err != nil {
		d.logger.Warn().Err(err).Str("template", name).Msg("email delivery failed")
		return fmt.Errorf("%w: %s: %v", ErrDispatch, name, err)
	}
	d.logger.Info().Str("template", name).Msg("email sent")
	return nil
}

func buildLink(baseURL, path, token string) string {
	return strings.TrimRight(baseURL, "/") + path + "?token=" + url.QueryEscape(token)
}
