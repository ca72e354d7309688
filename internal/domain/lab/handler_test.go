package lab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/platform/auth"
)

func newTestHandler() (*Handler, *fixture, *echo.Echo) {
	f := newFixture()
	return NewHandler(f.svc), f, echo.New()
}

// authedContext builds an echo context whose request carries user identity the
// way the auth middleware would have set it.
func authedContext(e *echo.Echo, method, target, body, userID string, roles ...string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	ctx := context.WithValue(req.Context(), auth.UserIDKey, userID)
	ctx = context.WithValue(ctx, auth.UserRolesKey, roles)
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestHandler_CollectSpecimen(t *testing.T) {
	h, f, e := newTestHandler()
	sp := &Specimen{OrderID: uuid.New(), TypeCode: "urine", RequiredVolumeML: 10, Status: SpecimenPending}
	f.specimens.Create(context.Background(), sp)

	c, rec := authedContext(e, http.MethodPost, "/", `{"volume_ml":10,"container_type":"cup","container_color":"yellow"}`, "tech-1", "lab_tech")
	c.SetParamNames("id")
	c.SetParamValues(sp.ID.String())

	if err := h.CollectSpecimen(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var got Specimen
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Status != SpecimenCollected {
		t.Errorf("expected collected, got %s", got.Status)
	}
	if got.CollectedBy == nil || *got.CollectedBy != "tech-1" {
		t.Error("actor should come from the authenticated user")
	}
}

func TestHandler_CollectSpecimen_InvalidID(t *testing.T) {
	h, _, e := newTestHandler()
	c, _ := authedContext(e, http.MethodPost, "/", `{}`, "tech-1", "lab_tech")
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")

	err := h.CollectSpecimen(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_RejectSpecimen(t *testing.T) {
	h, f, e := newTestHandler()
	_, sp, _ := f.seedChain(t)

	c, rec := authedContext(e, http.MethodPost, "/", `{"reasons":["hemolyzed"],"require_recollection":true}`, "tech-2", "lab_tech")
	c.SetParamNames("id")
	c.SetParamValues(sp.ID.String())

	if err := h.RejectSpecimen(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got RejectSpecimenResult
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.New == nil {
		t.Error("expected replacement specimen in response")
	}
}

func TestHandler_RejectionOptions(t *testing.T) {
	h, f, e := newTestHandler()
	orderID, _, _ := f.seedChain(t)

	c, rec := authedContext(e, http.MethodGet, "/", "", "tech-1", "lab_tech")
	c.SetParamNames("orderId", "testCode")
	c.SetParamValues(orderID.String(), "CBC")

	if err := h.RejectionOptions(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got RejectionOptions
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.RetestAttemptsRemaining != 3 || len(got.AvailableActions) != 3 {
		t.Errorf("unexpected options payload: %+v", got)
	}
}

func TestHandler_EnterValidateReject(t *testing.T) {
	h, f, e := newTestHandler()
	orderID, _, _ := f.seedChain(t)

	c, rec := authedContext(e, http.MethodPost, "/", `{"values":{"wbc":"9.1"}}`, "tech-1", "lab_tech")
	c.SetParamNames("orderId", "testCode")
	c.SetParamValues(orderID.String(), "CBC")
	if err := h.EnterResults(c); err != nil {
		t.Fatalf("enter: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("enter: expected 200, got %d", rec.Code)
	}

	c, rec = authedContext(e, http.MethodPost, "/", `{"reason":"implausible","rejection_type":"re-test"}`, "tech-2", "lab_tech")
	c.SetParamNames("orderId", "testCode")
	c.SetParamValues(orderID.String(), "CBC")
	if err := h.RejectResult(c); err != nil {
		t.Fatalf("reject: %v", err)
	}
	var res RejectionResult
	json.Unmarshal(rec.Body.Bytes(), &res)
	if !res.Success || res.NewTestID == nil {
		t.Errorf("unexpected rejection result: %+v", res)
	}
}

func TestHandler_RejectResult_RefusedCarriesOptions(t *testing.T) {
	h, f, e := newTestHandler()
	orderID, _, _ := f.seedChain(t)

	// Exhaust the retest budget, then ask for a re-test anyway.
	for i := 0; i < MaxRetestAttempts; i++ {
		f.enterAndReject(t, orderID, "CBC", "noisy", RejectionRetest)
	}
	if _, err := f.svc.EnterResults(context.Background(), orderID, "CBC", map[string]string{"wbc": "9.1"}, "", "tech-1"); err != nil {
		t.Fatalf("enter: %v", err)
	}

	c, rec := authedContext(e, http.MethodPost, "/", `{"reason":"again","rejection_type":"re-test"}`, "tech-2", "lab_tech")
	c.SetParamNames("orderId", "testCode")
	c.SetParamValues(orderID.String(), "CBC")

	if err := h.RejectResult(c); err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var payload struct {
		Error   string           `json:"error"`
		Options RejectionOptions `json:"options"`
	}
	json.Unmarshal(rec.Body.Bytes(), &payload)
	if payload.Error == "" {
		t.Error("expected error message in payload")
	}
	if payload.Options.CanRetest {
		t.Error("options should show retest disabled")
	}
	if !payload.Options.CanRecollect {
		t.Error("options should show recollection still enabled")
	}
}

func TestHandler_ValidateResult_WrongState(t *testing.T) {
	h, f, e := newTestHandler()
	orderID, _, _ := f.seedChain(t)

	c, _ := authedContext(e, http.MethodPost, "/", `{}`, "tech-2", "lab_tech")
	c.SetParamNames("orderId", "testCode")
	c.SetParamValues(orderID.String(), "CBC")

	err := h.ValidateResult(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusConflict {
		t.Errorf("expected 409, got %v", err)
	}
}

func TestHandler_ResolveEscalation(t *testing.T) {
	h, f, e := newTestHandler()
	orderID, _, _ := f.seedChain(t)
	escalateChain(t, f, orderID)

	c, rec := authedContext(e, http.MethodPost, "/", `{"action":"force_validate","notes":"reviewed"}`, "senior-1", "lab_tech_plus")
	c.SetParamNames("orderId", "testCode")
	c.SetParamValues(orderID.String(), "CBC")

	if err := h.ResolveEscalation(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out EscalationResolveResult
	json.Unmarshal(rec.Body.Bytes(), &out)
	if out.Status != TestValidated {
		t.Errorf("expected validated, got %s", out.Status)
	}
}

func TestHandler_ResolveEscalation_Forbidden(t *testing.T) {
	h, f, e := newTestHandler()
	orderID, _, _ := f.seedChain(t)
	escalateChain(t, f, orderID)

	c, _ := authedContext(e, http.MethodPost, "/", `{"action":"force_validate","notes":"reviewed"}`, "tech-1", "lab_tech")
	c.SetParamNames("orderId", "testCode")
	c.SetParamValues(orderID.String(), "CBC")

	err := h.ResolveEscalation(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %v", err)
	}
}

func TestHandler_ListEscalations(t *testing.T) {
	h, f, e := newTestHandler()
	orderID, _, _ := f.seedChain(t)
	escalateChain(t, f, orderID)

	c, rec := authedContext(e, http.MethodGet, "/?limit=10", "", "senior-1", "lab_tech_plus")
	if err := h.ListEscalations(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"total":1`) {
		t.Errorf("expected one escalation in response: %s", rec.Body.String())
	}
}

func TestHandler_TestChainListing(t *testing.T) {
	h, f, e := newTestHandler()
	orderID, _, _ := f.seedChain(t)
	f.enterAndReject(t, orderID, "CBC", "noisy", RejectionRetest)

	c, rec := authedContext(e, http.MethodGet, "/", "", "tech-1", "lab_tech")
	c.SetParamNames("orderId", "testCode")
	c.SetParamValues(orderID.String(), "CBC")

	if err := h.TestChain(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var chain []*OrderTest
	json.Unmarshal(rec.Body.Bytes(), &chain)
	if len(chain) != 2 {
		t.Errorf("expected chain of 2, got %d", len(chain))
	}
}
