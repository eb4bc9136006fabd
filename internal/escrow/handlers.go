package escrow

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/sudo-init-do/prosafe/internal/milestone"
)

// =========================
// OpenTransaction - Booking collaborator opens an escrow hold
// =========================
func OpenTransaction(c echo.Context) error {
	var req struct {
		BookingRef string  `json:"booking_ref"`
		PayerID    string  `json:"payer_id"`
		PayeeID    string  `json:"payee_id"`
		Amount     int64   `json:"amount"`
		Currency   string  `json:"currency"`
		Tier       int     `json:"tier"`
		TargetLat  float64 `json:"target_lat"`
		TargetLng  float64 `json:"target_lng"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payload"})
	}
	if req.Amount <= 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "amount must be positive"})
	}

	t, plan, err := Svc.Open(c.Request().Context(), OpenParams{
		BookingRef: req.BookingRef,
		PayerID:    req.PayerID,
		PayeeID:    req.PayeeID,
		Amount:     req.Amount,
		Currency:   req.Currency,
		Tier:       req.Tier,
		TargetLat:  req.TargetLat,
		TargetLng:  req.TargetLng,
	}, time.Now())
	if err != nil {
		if errors.Is(err, milestone.ErrInvalidSchedule) || errors.Is(err, milestone.ErrUnknownTier) {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
		}
		return writeError(c, err)
	}

	return c.JSON(http.StatusCreated, echo.Map{
		"transaction_id": t.ID,
		"state":          t.State,
		"milestones":     plan,
	})
}

// =========================
// GetTransaction - Participant or operator reads current state
// =========================
func GetTransaction(c echo.Context) error {
	uid, _ := c.Get("user_id").(string)
	role, _ := c.Get("role").(string)

	t, ms, err := Svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	if role != "operator" && uid != t.PayerID && uid != t.PayeeID {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "not a participant in this transaction"})
	}

	return c.JSON(http.StatusOK, echo.Map{"transaction": t, "milestones": ms})
}

// =========================
// MarkServiceComplete - Provider marks work done, arming the 48h window
// =========================
func MarkServiceComplete(c echo.Context) error {
	uid, ok := c.Get("user_id").(string)
	if !ok || uid == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	txID := c.Param("id")
	cur, err := Svc.store.GetTransaction(c.Request().Context(), txID)
	if err != nil {
		return writeError(c, err)
	}
	if cur.PayeeID != uid {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "only the provider can mark the service complete"})
	}

	t, err := Svc.MarkComplete(c.Request().Context(), txID, time.Now())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"state":            t.State,
		"dispute_deadline": t.DisputeDeadline,
	})
}

// =========================
// ConfirmRelease - Client confirms; remaining milestones pay out
// =========================
func ConfirmRelease(c echo.Context) error {
	uid, ok := c.Get("user_id").(string)
	if !ok || uid == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	txID := c.Param("id")
	cur, err := Svc.store.GetTransaction(c.Request().Context(), txID)
	if err != nil {
		return writeError(c, err)
	}
	if cur.PayerID != uid {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "only the client can confirm release"})
	}

	t, released, err := Svc.Confirm(c.Request().Context(), txID, time.Now())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"state":           t.State,
		"released_amount": released,
	})
}

// =========================
// OpenDispute - Client contests before the deadline
// =========================
func OpenDispute(c echo.Context) error {
	uid, ok := c.Get("user_id").(string)
	if !ok || uid == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&req); err != nil || req.Reason == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payload: reason required"})
	}

	txID := c.Param("id")
	cur, err := Svc.store.GetTransaction(c.Request().Context(), txID)
	if err != nil {
		return writeError(c, err)
	}
	if cur.PayerID != uid {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "only the client can open a dispute"})
	}

	d, err := Svc.OpenDispute(c.Request().Context(), txID, req.Reason, time.Now())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"dispute_id": d.ID, "opened_at": d.OpenedAt})
}

// =========================
// ResolveDispute - Operator decides refund or release
// =========================
func ResolveDispute(c echo.Context) error {
	var req struct {
		Resolution string `json:"resolution"` // refund|release
	}
	if err := c.Bind(&req); err != nil || req.Resolution == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payload: resolution required"})
	}
	if req.Resolution != "refund" && req.Resolution != "release" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid resolution"})
	}

	t, err := Svc.ResolveDispute(c.Request().Context(), c.Param("id"), req.Resolution, time.Now())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"state": t.State, "resolution": req.Resolution})
}

// =========================
// RefundTransaction - Operator refunds a held booking that fell through
// =========================
func RefundTransaction(c echo.Context) error {
	t, err := Svc.Refund(c.Request().Context(), c.Param("id"), time.Now())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"state": t.State})
}

// =========================
// FreezeTransaction / UnfreezeTransaction - Operator overlay control
// =========================
func FreezeTransaction(c echo.Context) error {
	t, err := Svc.Freeze(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"frozen": t.Frozen})
}

func UnfreezeTransaction(c echo.Context) error {
	t, err := Svc.Unfreeze(c.Request().Context(), c.Param("id"), time.Now())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"frozen": t.Frozen})
}

// writeError maps ledger errors onto HTTP responses.
func writeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "transaction not found"})
	case errors.Is(err, ErrFrozen):
		return c.JSON(http.StatusLocked, echo.Map{"error": "transaction frozen"})
	case errors.Is(err, ErrDisputeWindowClosed):
		return c.JSON(http.StatusConflict, echo.Map{"error": "dispute window closed"})
	case errors.Is(err, ErrInvalidTransition):
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
	case errors.Is(err, ErrReleaseFailed):
		return c.JSON(http.StatusBadGateway, echo.Map{"error": "fund release failed, transaction unchanged; retry later"})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
}
