package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/sudo-init-do/prosafe/internal/alerts"
	"github.com/sudo-init-do/prosafe/internal/checkin"
	"github.com/sudo-init-do/prosafe/internal/db"
	"github.com/sudo-init-do/prosafe/internal/dispute"
	"github.com/sudo-init-do/prosafe/internal/escrow"
	"github.com/sudo-init-do/prosafe/internal/gateway"
	appmw "github.com/sudo-init-do/prosafe/internal/middleware"
	"github.com/sudo-init-do/prosafe/internal/safety"
)

func main() {
	_ = godotenv.Load()

	memory := os.Getenv("STORE") == "memory"

	var (
		txStore  escrow.Store
		ciStore  checkin.Store
		jobStore dispute.JobStore
		sosStore safety.Store
		gw       gateway.Gateway
		throttle checkin.Throttle

		ledgerNotify escrow.Notifier
		codeNotify   checkin.CodeNotifier
		sosNotify    safety.Notifier
	)

	if memory {
		log.Println("[api] STORE=memory: in-memory stores, fake gateway, codes logged to stdout")
		txStore = escrow.NewMemStore()
		ciStore = checkin.NewMemStore()
		jobStore = dispute.NewMemJobStore()
		sosStore = safety.NewMemStore()
		gw = gateway.NewFake()
		throttle = checkin.NewMemThrottle(time.Now)
		ledgerNotify = escrow.NopNotifier{}
		codeNotify = checkin.LogCodeNotifier{}
		sosNotify = safety.NopNotifier{}
	} else {
		db.Init()
		alerts.Init()

		txStore = escrow.NewPGStore(db.Conn)
		ciStore = checkin.NewPGStore(db.Conn)
		jobStore = dispute.NewPGJobStore(db.Conn)
		sosStore = safety.NewPGStore(db.Conn)

		g, err := gateway.NewHTTPGatewayFromEnv()
		if err != nil {
			log.Fatalf("payment gateway config: %v", err)
		}
		gw = g

		redisAddr := os.Getenv("REDIS_ADDR")
		if redisAddr == "" {
			redisAddr = "127.0.0.1:6379"
		}
		throttle = checkin.NewRedisThrottle(redis.NewClient(&redis.Options{Addr: redisAddr}))

		d := alerts.NewDispatcher()
		ledgerNotify = d
		codeNotify = d
		sosNotify = d
	}

	// The ledger and the window scheduler need each other: build the
	// ledger first, then bind the scheduler.
	escrow.Init(txStore, gw, nil, ledgerNotify)
	dispute.Init(jobStore, escrow.Svc)
	escrow.Svc.SetWindows(dispute.Svc)
	checkin.Init(ciStore, throttle, codeNotify, escrow.Svc)
	safety.Init(sosStore, escrow.Svc, sosNotify)

	// With memory stores there is no worker process to poll the job table,
	// so auto-release runs off an in-process ticker.
	if memory {
		go dispute.Svc.RunEvery(context.Background(), 15*time.Second)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	// Health
	e.GET("/health", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// Authenticated group
	g := e.Group("")
	g.Use(appmw.JWTMiddleware)

	// Escrow lifecycle
	g.POST("/escrow/transactions", escrow.OpenTransaction, appmw.RequireRoles("service", "operator"))
	g.GET("/escrow/transactions/:id", escrow.GetTransaction)
	g.POST("/escrow/transactions/:id/complete", escrow.MarkServiceComplete, appmw.RequireRoles("provider"))
	g.POST("/escrow/transactions/:id/confirm", escrow.ConfirmRelease, appmw.RequireRoles("client"))
	g.POST("/escrow/transactions/:id/dispute", escrow.OpenDispute, appmw.RequireRoles("client"))

	// Check-in (OTP + GPS)
	g.POST("/escrow/transactions/:id/checkin/code", checkin.GenerateCheckInCode, appmw.RequireRoles("provider"))
	g.POST("/escrow/transactions/:id/checkin/verify", checkin.VerifyCheckIn, appmw.RequireRoles("provider"))

	// SOS (either participant)
	g.POST("/escrow/transactions/:id/sos", safety.TriggerSOS, appmw.RequireRoles("client", "provider"))

	// In-app notifications
	g.GET("/notifications", alerts.ListNotifications)
	g.POST("/notifications/:id/read", alerts.MarkNotificationRead)

	// Operator routes
	op := e.Group("/operator")
	op.Use(appmw.JWTMiddleware)
	op.Use(appmw.OperatorGuard)
	op.POST("/disputes/:id/resolve", escrow.ResolveDispute)
	op.POST("/transactions/:id/freeze", escrow.FreezeTransaction)
	op.POST("/transactions/:id/unfreeze", escrow.UnfreezeTransaction)
	op.POST("/transactions/:id/refund", escrow.RefundTransaction)
	op.GET("/sos", safety.ListOpenSOS)
	op.POST("/sos/:id/ack", safety.AcknowledgeSOS)
	op.POST("/sos/:id/resolve", safety.ResolveSOS)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	log.Printf("API server listening on :%s", port)
	if err := e.Start(":" + port); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
