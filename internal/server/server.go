package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mirzadev/resellerd/internal/config"
	"github.com/mirzadev/resellerd/internal/handlers"
	"github.com/mirzadev/resellerd/internal/logger"
	"github.com/mirzadev/resellerd/internal/middleware"
	"github.com/mirzadev/resellerd/internal/repository"
	"github.com/mirzadev/resellerd/internal/service"
)

type Server struct {
	cfg        *config.Config
	log        *zap.Logger
	repo       *repository.PostgresRepository
	panel      *service.MarzbanClient
	allocator  *service.Allocator
	handlers   *handlers.Handler
	httpServer *http.Server
}

func NewServer(cfg *config.Config, log *zap.Logger) *Server {
	repo := repository.NewPostgresRepository()
	panel := service.NewMarzbanClient(cfg.PanelAddress, cfg.PanelUsername, cfg.PanelPassword)
	allocator := service.NewAllocator(repo, panel, log)
	h := handlers.NewHandler(repo, allocator, cfg.JWTSecret, log)

	return &Server{
		cfg:       cfg,
		log:       log,
		repo:      repo,
		panel:     panel,
		allocator: allocator,
		handlers:  h,
	}
}

func (s *Server) Run() error {
	if err := s.repo.InitDB(s.cfg.DatabaseURI); err != nil {
		return err
	}

	if err := s.ensureRoot(); err != nil {
		return err
	}

	s.allocator.Start()

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(logger.RequestLogger(s.log))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(60 * time.Second))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/login", s.handlers.Login)

		r.Group(func(r chi.Router) {
			jwtConfig := &middleware.JWTConfig{
				SecretKey: s.cfg.JWTSecret,
				Accounts:  s.repo,
			}
			r.Use(middleware.AuthMiddleware(jwtConfig))

			r.Post("/accounts", s.handlers.CreateAccount)
			r.Get("/accounts", s.handlers.ListAccounts)
			r.Get("/accounts/{externalID}", s.handlers.GetAccount)
			r.Get("/accounts/{externalID}/profile", s.handlers.GetRepresentativeProfile)
			r.Post("/accounts/{externalID}/promote", s.handlers.PromoteAccount)
			r.Post("/accounts/{externalID}/deactivate", s.handlers.DeactivateAccount)
			r.Delete("/accounts/{externalID}", s.handlers.DeleteAccount)

			r.Put("/password", s.handlers.UpdatePassword)
			r.Get("/balance", s.handlers.GetBalance)

			r.Post("/wallet/invoices", s.handlers.CreateWalletInvoice)
			r.Get("/wallet/invoices", s.handlers.ListWalletInvoices)
			r.Post("/wallet/invoices/{invoiceID}/accept", s.handlers.AcceptWalletInvoice)

			r.Post("/config/invoices", s.handlers.CreateConfigurationInvoice)
			r.Get("/config/invoices", s.handlers.ListConfigurationInvoices)

			r.Post("/discounts", s.handlers.CreateDiscount)
			r.Get("/discounts", s.handlers.ListDiscounts)
		})
	})

	s.httpServer = &http.Server{
		Addr:    s.cfg.RunAddress,
		Handler: r,
	}
	return s.httpServer.ListenAndServe()
}

// ensureRoot seeds the hierarchy root on first start so the very first
// login is possible.
func (s *Server) ensureRoot() error {
	if s.cfg.RootPassword == "" {
		return errors.New("ROOT_PASSWORD is required")
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(s.cfg.RootPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	return s.repo.EnsureRootAccount(context.Background(), s.cfg.RootExternalID, string(hashed), s.cfg.RootSellingPrice)
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return err
		}
	}

	if s.allocator != nil {
		s.allocator.Stop()
	}

	if s.repo != nil {
		if err := s.repo.Close(); err != nil {
			return err
		}
	}

	return nil
}
