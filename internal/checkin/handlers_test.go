package checkin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/sudo-init-do/prosafe/internal/escrow"
	"github.com/sudo-init-do/prosafe/internal/gateway"
)

func setupHandlerFixture(t *testing.T) (*captureNotifier, *escrow.Transaction) {
	t.Helper()
	txStore := escrow.NewMemStore()
	ledger := escrow.NewService(txStore, gateway.NewFake(), stubWindows{}, escrow.NopNotifier{})
	notify := &captureNotifier{}
	Init(NewMemStore(), NewMemThrottle(time.Now), notify, ledger)

	tx, _, err := ledger.Open(context.Background(), escrow.OpenParams{
		BookingRef: "bk-500",
		PayerID:    "client-1",
		PayeeID:    "provider-1",
		Amount:     10000,
		Currency:   "NGN",
		Tier:       1,
		TargetLat:  site.Lat,
		TargetLng:  site.Lng,
	}, time.Now())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return notify, tx
}

func checkinRequest(e *echo.Echo, uid, txID, body string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(http.MethodPost, "/", nil)
	} else {
		req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(txID)
	c.Set("user_id", uid)
	c.Set("role", "provider")
	return c, rec
}

func TestGenerateCodeRejectsForeignProvider(t *testing.T) {
	_, tx := setupHandlerFixture(t)
	e := echo.New()

	c, rec := checkinRequest(e, "provider-2", tx.ID, "")
	if err := GenerateCheckInCode(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}

	// The booking's own provider still gets a code.
	c, rec = checkinRequest(e, "provider-1", tx.ID, "")
	if err := GenerateCheckInCode(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
}

func TestVerifyRejectsForeignProvider(t *testing.T) {
	notify, tx := setupHandlerFixture(t)
	e := echo.New()

	c, rec := checkinRequest(e, "provider-1", tx.ID, "")
	if err := GenerateCheckInCode(c); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("generate status = %d, want 202", rec.Code)
	}
	body := `{"code":"` + notify.last() + `","observed_lat":6.5244,"observed_lng":3.3792}`

	c, rec = checkinRequest(e, "provider-2", tx.ID, body)
	if err := VerifyCheckIn(c); err != nil {
		t.Fatalf("verify handler: %v", err)
	}
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign verify status = %d, want 403", rec.Code)
	}

	c, rec = checkinRequest(e, "provider-1", tx.ID, body)
	if err := VerifyCheckIn(c); err != nil {
		t.Fatalf("verify handler: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("own verify status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestGenerateCodeUnknownTransaction(t *testing.T) {
	setupHandlerFixture(t)
	e := echo.New()

	c, rec := checkinRequest(e, "provider-1", "00000000-0000-0000-0000-000000000000", "")
	if err := GenerateCheckInCode(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
