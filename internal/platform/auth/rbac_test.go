package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/labresults/lims/internal/platform/apperr"
)

func runWithPrincipal(p *Principal, mw echo.MiddlewareFunc) error {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if p != nil {
		req = req.WithContext(WithPrincipal(context.Background(), p))
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return mw(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})(c)
}

func TestPrincipal_Has(t *testing.T) {
	tech := &Principal{Permissions: map[Permission]bool{PermEditExams: true}}
	admin := &Principal{IsAdmin: true}

	if !tech.Has(PermEditExams) {
		t.Error("expected edit permission")
	}
	if tech.Has(PermDeleteExams) {
		t.Error("did not expect delete permission")
	}
	if !admin.Has(PermSendResults) || !admin.Has(PermManageUsers) {
		t.Error("admin should hold every permission")
	}
	var nilP *Principal
	if nilP.Has(PermEditExams) {
		t.Error("nil principal holds nothing")
	}
}

func TestRequirePermission_Allowed(t *testing.T) {
	p := &Principal{Permissions: map[Permission]bool{PermValidateExams: true}}
	if err := runWithPrincipal(p, RequirePermission(PermEditExams, PermValidateExams)); err != nil {
		t.Fatalf("expected any-of match to pass, got %v", err)
	}
}

func TestRequirePermission_Denied(t *testing.T) {
	p := &Principal{Permissions: map[Permission]bool{PermCreateExams: true}}
	err := runWithPrincipal(p, RequirePermission(PermDeleteExams))
	if apperr.KindOf(err) != apperr.KindForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestRequirePermission_NoPrincipal(t *testing.T) {
	err := runWithPrincipal(nil, RequirePermission(PermDeleteExams))
	if apperr.KindOf(err) != apperr.KindUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestRequireAdmin(t *testing.T) {
	if err := runWithPrincipal(&Principal{IsAdmin: true}, RequireAdmin()); err != nil {
		t.Fatalf("admin should pass: %v", err)
	}
	all := &Principal{Permissions: map[Permission]bool{
		PermCreateExams: true, PermEditExams: true, PermDeleteExams: true,
		PermValidateExams: true, PermSendResults: true,
	}}
	if err := runWithPrincipal(all, RequireAdmin()); apperr.KindOf(err) != apperr.KindForbidden {
		t.Fatalf("non-admin should be forbidden, got %v", err)
	}
}
