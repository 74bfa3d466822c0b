package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindPermissionDenied, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindTenantMismatch, http.StatusNotFound},
		{KindInvalidTransition, http.StatusConflict},
		{KindConflict, http.StatusConflict},
		{KindValidationBlocked, http.StatusUnprocessableEntity},
		{KindInvalidInput, http.StatusBadRequest},
		{KindInternal, http.StatusInternalServerError},
		{"", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.kind); got != tt.want {
			t.Errorf("HTTPStatus(%q): expected %d, got %d", tt.kind, tt.want, got)
		}
	}
}

func TestTenantMismatch_IndistinguishableFromNotFound(t *testing.T) {
	nf := NotFound("Chart")
	tm := TenantMismatch("Chart")
	if nf.Public() != tm.Public() {
		t.Errorf("expected identical public messages, got %q and %q", nf.Public(), tm.Public())
	}
	if HTTPStatus(nf.Kind) != HTTPStatus(tm.Kind) {
		t.Error("expected identical status codes")
	}
	if tm.Kind != KindTenantMismatch {
		t.Errorf("expected kind TenantMismatch, got %s", tm.Kind)
	}
}

func TestFrom(t *testing.T) {
	if From(nil) != nil {
		t.Error("expected nil for nil error")
	}

	wrapped := fmt.Errorf("sign chart: %w", InvalidTransition("Chart is already finalized"))
	if got := From(wrapped); got.Kind != KindInvalidTransition {
		t.Errorf("expected InvalidTransition, got %s", got.Kind)
	}

	raw := errors.New("connection reset by peer")
	got := From(raw)
	if got.Kind != KindInternal {
		t.Errorf("expected Internal, got %s", got.Kind)
	}
	if got.Public() != MsgInternal {
		t.Errorf("expected %q, got %q", MsgInternal, got.Public())
	}
	if !errors.Is(got, raw) {
		t.Error("expected Internal to wrap the original error")
	}
}

func TestIs(t *testing.T) {
	err := fmt.Errorf("outer: %w", Conflict())
	if !Is(err, KindConflict) {
		t.Error("expected Is(Conflict) to be true")
	}
	if Is(err, KindNotFound) {
		t.Error("expected Is(NotFound) to be false")
	}
	if Is(errors.New("plain"), KindInternal) {
		t.Error("expected plain errors not to match any kind")
	}
}

func TestFail_HidesInternalDetail(t *testing.T) {
	env := Fail(fmt.Errorf("query chart: %w", errors.New(`relation "chart" does not exist`)))
	if env.Success {
		t.Error("expected success=false")
	}
	if env.Error != MsgInternal {
		t.Errorf("expected %q, got %q", MsgInternal, env.Error)
	}
	if env.Details != nil {
		t.Errorf("expected no details, got %v", env.Details)
	}
}

func TestRespond(t *testing.T) {
	e := echo.New()

	t.Run("success", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
		if err := Respond(c, http.StatusCreated, map[string]string{"id": "x"}, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Code != http.StatusCreated {
			t.Errorf("expected 201, got %d", rec.Code)
		}
		var env map[string]interface{}
		json.Unmarshal(rec.Body.Bytes(), &env)
		if env["success"] != true {
			t.Errorf("expected success=true, got %v", env["success"])
		}
		if _, ok := env["error"]; ok {
			t.Error("expected no error key on success")
		}
	})

	t.Run("validation blocked", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)
		blocked := ValidationBlocked("Treatment cards are missing high-risk fields", map[string]interface{}{"cards": 1})
		Respond(c, http.StatusOK, nil, blocked)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("expected 422, got %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), `"details"`) {
			t.Errorf("expected details in body, got %s", rec.Body.String())
		}
	})
}

func TestHTTPErrorHandler(t *testing.T) {
	e := echo.New()

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	HTTPErrorHandler(echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header"), c)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
	var env Envelope
	json.Unmarshal(rec.Body.Bytes(), &env)
	if env.Error != "missing authorization header" {
		t.Errorf("expected passthrough message, got %q", env.Error)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	HTTPErrorHandler(echo.NewHTTPError(http.StatusBadGateway, "upstream s3 timeout"), c)
	json.Unmarshal(rec.Body.Bytes(), &env)
	if env.Error != MsgInternal {
		t.Errorf("expected %q for 5xx, got %q", MsgInternal, env.Error)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	HTTPErrorHandler(PermissionDenied(), c)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}
