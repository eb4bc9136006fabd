package checkin

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/sudo-init-do/prosafe/internal/escrow"
	"github.com/sudo-init-do/prosafe/internal/geo"
)

// =========================
// GenerateCheckInCode - Provider requests a fresh one-time code
// =========================
func GenerateCheckInCode(c echo.Context) error {
	uid, ok := c.Get("user_id").(string)
	if !ok || uid == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	txID := c.Param("id")
	t, err := Svc.ledger.Store().GetTransaction(c.Request().Context(), txID)
	if err != nil {
		if errors.Is(err, escrow.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "transaction not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not issue code"})
	}
	if t.PayeeID != uid {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "only the provider on this booking can request a check-in code"})
	}

	err = Svc.Generate(c.Request().Context(), txID, time.Now())
	if err != nil {
		switch {
		case errors.Is(err, escrow.ErrNotFound):
			return c.JSON(http.StatusNotFound, echo.Map{"error": "transaction not found"})
		case errors.Is(err, ErrTooManyRequests):
			return c.JSON(http.StatusTooManyRequests, echo.Map{"error": err.Error()})
		case errors.Is(err, escrow.ErrInvalidTransition):
			return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
		default:
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not issue code"})
		}
	}

	// The code itself goes out through the notification channel.
	return c.JSON(http.StatusAccepted, echo.Map{"message": "check-in code sent"})
}

// =========================
// VerifyCheckIn - Provider submits code + location for the handshake
// =========================
func VerifyCheckIn(c echo.Context) error {
	uid, ok := c.Get("user_id").(string)
	if !ok || uid == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	var req struct {
		Code        string  `json:"code"`
		ObservedLat float64 `json:"observed_lat"`
		ObservedLng float64 `json:"observed_lng"`
	}
	if err := c.Bind(&req); err != nil || req.Code == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payload: code required"})
	}

	txID := c.Param("id")
	t, err := Svc.ledger.Store().GetTransaction(c.Request().Context(), txID)
	if err != nil {
		if errors.Is(err, escrow.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "transaction not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "verification failed"})
	}
	if t.PayeeID != uid {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "only the provider on this booking can check in"})
	}

	res, err := Svc.Verify(c.Request().Context(), txID, req.Code,
		geo.Point{Lat: req.ObservedLat, Lng: req.ObservedLng}, time.Now())
	if err != nil {
		switch {
		case errors.Is(err, escrow.ErrNotFound):
			return c.JSON(http.StatusNotFound, echo.Map{"error": "transaction not found"})
		case errors.Is(err, ErrCodeNotFound):
			return c.JSON(http.StatusNotFound, echo.Map{"error": "no active check-in code"})
		case errors.Is(err, ErrCodeExpired):
			return c.JSON(http.StatusConflict, echo.Map{"error": "check-in code expired"})
		case errors.Is(err, ErrCodeConsumed):
			return c.JSON(http.StatusConflict, echo.Map{"error": "check-in code already used"})
		case errors.Is(err, ErrCodeMismatch):
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "check-in code mismatch"})
		case errors.Is(err, ErrOutOfRange):
			return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
		case errors.Is(err, escrow.ErrFrozen):
			return c.JSON(http.StatusLocked, echo.Map{"error": "transaction frozen"})
		case errors.Is(err, escrow.ErrInvalidTransition):
			return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
		case errors.Is(err, escrow.ErrReleaseFailed):
			return c.JSON(http.StatusBadGateway, echo.Map{"error": "commitment release failed; retry later"})
		default:
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "verification failed"})
		}
	}

	return c.JSON(http.StatusOK, echo.Map{
		"verified":        res.Verified,
		"distance_meters": res.DistanceMeters,
	})
}
