package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/servoxhq/servox/internal/auth"
	"github.com/servoxhq/servox/internal/cache"
	"github.com/servoxhq/servox/internal/config"
	"github.com/servoxhq/servox/internal/database"
	"github.com/servoxhq/servox/internal/handlers"
	"github.com/servoxhq/servox/internal/logging"
	"github.com/servoxhq/servox/internal/middleware"
	"github.com/servoxhq/servox/internal/monitor"
	"github.com/servoxhq/servox/internal/payments"
	"github.com/servoxhq/servox/internal/provider"
	"github.com/servoxhq/servox/internal/referral"
	"github.com/servoxhq/servox/internal/sshmetrics"
	"github.com/servoxhq/servox/internal/sshpool"
	"github.com/servoxhq/servox/internal/sshterminal"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--create-admin":
			runCLICommand("create-admin")
			return
		case "--reset-password":
			runCLICommand("reset-password")
			return
		}
	}

	config.Load()
	logging.Init()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	store := cache.New()

	pool := sshpool.New()
	handlers.Pool = pool
	monitor.RegisterPoolGauge(pool.ConnectionCount)

	collector := sshmetrics.NewCollector(pool, store)
	handlers.Collector = collector
	scheduler := sshmetrics.StartScheduler(collector)

	terminal := sshterminal.NewService(pool)
	handlers.Terminal = terminal

	tokens, err := sshterminal.NewTokenManager()
	if err != nil {
		log.Fatalf("Terminal token init: %v", err)
	}
	handlers.Tokens = tokens

	handlers.Provider = provider.New()
	handlers.Gateway = payments.New()

	sessionStore := auth.NewSessionStore()
	handlers.Sessions = sessionStore

	// Session cleanup goroutine
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			sessionStore.Cleanup()
		}
	}()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health and metrics (no auth)
	r.Get("/health", handlers.Health)
	r.Method(http.MethodGet, "/metrics", monitor.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints
		r.Post("/auth/register", handlers.Register)
		r.Post("/auth/login", handlers.Login)
		r.Get("/auth/google", handlers.GoogleLogin)
		r.Get("/auth/google/callback", handlers.GoogleCallback)
		r.Post("/auth/forgot-password", handlers.ForgotPassword)
		r.Post("/auth/reset-password", handlers.ResetPassword)
		r.Get("/plans", handlers.ListPlans)
		r.Get("/referrals/validate", handlers.ValidateReferralCode)
		r.Post("/payments/webhook", handlers.PaymentWebhook)

		// Terminal WebSocket authenticates with a short-lived token in
		// its first frame, not the session cookie.
		r.Get("/terminal/ws", handlers.TerminalWS)

		// Protected routes (require auth)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(sessionStore))

			r.Post("/auth/logout", handlers.Logout)
			r.Get("/auth/me", handlers.Me)
			r.Post("/auth/terminal", handlers.TerminalAuth)

			r.Post("/orders", handlers.CreateOrder)
			r.Get("/orders", handlers.ListOrders)
			r.Get("/orders/{orderId}", handlers.GetOrder)
			r.Post("/payments/initiate", handlers.InitiatePayment)

			r.Get("/instances", handlers.ListInstances)
			r.Get("/instances/{id}", handlers.GetInstance)
			r.Post("/instances/{id}/action", handlers.InstanceAction)
			r.Post("/instances/{id}/metrics/refresh", handlers.RefreshInstanceMetrics)

			r.Get("/referrals/stats", handlers.ReferralStats)
			r.Get("/overview", handlers.Overview)

			// Admin-only routes
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin)

				r.Post("/auth/register-admin", handlers.AdminRegister)
				r.Post("/plans", handlers.CreatePlan)
				r.Delete("/plans/{id}", handlers.DeletePlan)
				r.Get("/admin/orders", handlers.AdminListOrders)
				r.Patch("/admin/orders/{orderId}/deployment", handlers.AdminPatchDeployment)
				r.Get("/admin/pool", handlers.PoolStatus)
				r.Get("/admin/logs", handlers.AdminLogs)
				r.Delete("/admin/logs", handlers.AdminClearLogs)
			})
		})
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	cronCtx := scheduler.Stop()
	<-cronCtx.Done()
	pool.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func runCLICommand(command string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	email := fs.String("email", "", "Email")
	password := fs.String("password", "", "Password")
	fs.Parse(os.Args[2:])

	if *email == "" || *password == "" {
		fmt.Fprintf(os.Stderr, "Usage: servox --%s --email <email> --password <pass>\n", command)
		os.Exit(1)
	}

	config.Load()
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	hash, err := auth.HashPassword(*password)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}

	switch command {
	case "create-admin":
		code, err := referral.GenerateCode()
		if err != nil {
			log.Fatalf("Failed to generate referral code: %v", err)
		}
		user := &database.User{
			Name:         "Administrator",
			Email:        *email,
			PasswordHash: hash,
			Role:         "admin",
			ReferralCode: code,
		}
		if err := database.CreateUser(user); err != nil {
			log.Fatalf("Failed to create admin: %v", err)
		}
		fmt.Printf("Admin user '%s' created successfully.\n", *email)

	case "reset-password":
		user, err := database.GetUserByEmail(*email)
		if err != nil {
			log.Fatalf("User '%s' not found", *email)
		}
		if err := database.UpdateUserPassword(user.ID, hash); err != nil {
			log.Fatalf("Failed to update password: %v", err)
		}
		fmt.Printf("Password reset for '%s'.\n", *email)
	}
}
