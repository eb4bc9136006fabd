package safety

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/sudo-init-do/prosafe/internal/escrow"
)

// =========================
// TriggerSOS - Either party raises an emergency during an active booking
// =========================
func TriggerSOS(c echo.Context) error {
	uid, ok := c.Get("user_id").(string)
	if !ok || uid == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	var req struct {
		TriggeredBy string  `json:"triggered_by"` // client|provider
		Reason      string  `json:"reason"`
		Lat         float64 `json:"lat"`
		Lng         float64 `json:"lng"`
	}
	if err := c.Bind(&req); err != nil || req.Reason == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payload: reason required"})
	}

	txID := c.Param("id")
	t, err := Svc.ledger.Store().GetTransaction(c.Request().Context(), txID)
	if err != nil {
		if errors.Is(err, escrow.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "transaction not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to fetch transaction"})
	}
	if uid != t.PayerID && uid != t.PayeeID {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "not a participant in this transaction"})
	}

	a, err := Svc.Trigger(c.Request().Context(), txID, req.TriggeredBy, req.Reason, req.Lat, req.Lng, time.Now())
	if err != nil {
		if errors.Is(err, escrow.ErrInvalidTransition) {
			return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
		}
		// Safety-critical path: never report success unless both the alert
		// and the freeze actually landed.
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "sos could not be recorded, call emergency services directly"})
	}

	return c.JSON(http.StatusCreated, echo.Map{"alert_id": a.ID, "status": a.Status})
}

// =========================
// AcknowledgeSOS - Operator marks contact made
// =========================
func AcknowledgeSOS(c echo.Context) error {
	a, err := Svc.Acknowledge(c.Request().Context(), c.Param("id"), time.Now())
	if err != nil {
		if errors.Is(err, ErrAlertNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "alert not found or not active"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to update alert"})
	}
	return c.JSON(http.StatusOK, echo.Map{"alert_id": a.ID, "status": a.Status})
}

// =========================
// ResolveSOS - Operator resolves; unfreezing stays a separate action
// =========================
func ResolveSOS(c echo.Context) error {
	var req struct {
		Resolution string `json:"resolution"`
	}
	if err := c.Bind(&req); err != nil || req.Resolution == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payload: resolution required"})
	}

	a, err := Svc.Resolve(c.Request().Context(), c.Param("id"), req.Resolution, time.Now())
	if err != nil {
		if errors.Is(err, ErrAlertNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "alert not found or already resolved"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to resolve alert"})
	}
	return c.JSON(http.StatusOK, echo.Map{"alert_id": a.ID, "status": a.Status})
}

// =========================
// ListOpenSOS - Operator board of active/responding alerts
// =========================
func ListOpenSOS(c echo.Context) error {
	alerts, err := Svc.Open(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to load alerts"})
	}
	return c.JSON(http.StatusOK, echo.Map{"alerts": alerts})
}
