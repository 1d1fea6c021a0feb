package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mirzadev/resellerd/internal/middleware"
	"github.com/mirzadev/resellerd/internal/models"
	"github.com/mirzadev/resellerd/internal/repository"
)

// stubRepo returns canned values; err, when set, wins everywhere.
type stubRepo struct {
	err     error
	account *models.Account
	profile *models.RepresentativeProfile
	invoice *models.WalletInvoice
	config  *models.ConfigurationInvoice
	balance int64
}

func (s *stubRepo) CreateAccount(_ context.Context, _ *models.Account, _, _, _, _ string) (*models.Account, error) {
	return s.account, s.err
}

func (s *stubRepo) GetAccountByID(_ context.Context, _ int64) (*models.Account, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.account, nil
}

func (s *stubRepo) GetAccountByExternalID(_ context.Context, _ string) (*models.Account, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.account == nil {
		return nil, repository.ErrNotFound
	}
	return s.account, nil
}

func (s *stubRepo) GetAccountByUniqueID(_ context.Context, _ string) (*models.Account, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.account == nil {
		return nil, repository.ErrNotFound
	}
	return s.account, nil
}

func (s *stubRepo) GetDownstreamAccounts(_ context.Context, _ int64, _, _ int) ([]models.Account, error) {
	return nil, s.err
}

func (s *stubRepo) PromoteToRepresentative(_ context.Context, _ int64, _, _ string, _ int64) (*models.RepresentativeProfile, error) {
	return &models.RepresentativeProfile{}, s.err
}

func (s *stubRepo) GetRepresentativeProfile(_ context.Context, _ int64) (*models.RepresentativeProfile, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.profile == nil {
		return nil, repository.ErrNotFound
	}
	return s.profile, nil
}

func (s *stubRepo) UpdatePassword(_ context.Context, _ int64, _ string) error { return s.err }
func (s *stubRepo) DeactivateAccount(_ context.Context, _ int64) error        { return s.err }
func (s *stubRepo) DeleteAccount(_ context.Context, _ int64) error            { return s.err }

func (s *stubRepo) EnsureRootAccount(_ context.Context, _, _ string, _ int64) error { return s.err }

func (s *stubRepo) GetWalletBalance(_ context.Context, _ int64) (int64, error) {
	return s.balance, s.err
}

func (s *stubRepo) CreateWalletInvoice(_ context.Context, _, _ int64, _ bool, _, _ string) (*models.WalletInvoice, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.invoice, nil
}

func (s *stubRepo) AcceptWalletInvoice(_ context.Context, _, _ int64, _ bool) (*models.WalletInvoice, *models.ConfigurationInvoice, error) {
	if s.err != nil {
		return nil, nil, s.err
	}
	return s.invoice, s.config, nil
}

func (s *stubRepo) GetWalletInvoices(_ context.Context, _ int64, _ bool) ([]models.WalletInvoice, error) {
	return nil, s.err
}

func (s *stubRepo) CreateConfigurationInvoice(_ context.Context, _, _ int64, _, _ string) (*models.ConfigurationInvoice, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.config, nil
}

func (s *stubRepo) GetConfigurationInvoices(_ context.Context, _ int64, _ bool) ([]models.ConfigurationInvoice, error) {
	return nil, s.err
}

func (s *stubRepo) CreateDiscount(_ context.Context, d *models.Discount) (*models.Discount, error) {
	if s.err != nil {
		return nil, s.err
	}
	return d, nil
}

func (s *stubRepo) GetDiscounts(_ context.Context, _ int64) ([]models.Discount, error) {
	return nil, s.err
}

func (s *stubRepo) CreatePendingAllocation(_ context.Context, _, _, _ int64, _ string) (*models.Allocation, error) {
	return nil, s.err
}

func (s *stubRepo) GetPendingAllocations(_ context.Context, _, _ int) ([]models.Allocation, error) {
	return nil, s.err
}

func (s *stubRepo) MarkAllocated(_ context.Context, _ int64) error          { return s.err }
func (s *stubRepo) BumpAllocationAttempts(_ context.Context, _ int64) error { return s.err }

func (s *stubRepo) InitDB(_ string) error { return nil }
func (s *stubRepo) Close() error          { return nil }

func newTestHandler(repo repository.Repository) *Handler {
	return NewHandler(repo, nil, "test-secret", zap.NewNop())
}

// authed injects an account the way the auth middleware would.
func authed(account *models.Account) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(middleware.WithAccount(r.Context(), account)))
		})
	}
}

func testAccount() *models.Account {
	return &models.Account{
		ID:                7,
		ExternalID:        "alice",
		IsActive:          true,
		PasswordChangedAt: time.Now(),
	}
}

func TestLogin(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	account := testAccount()
	account.PasswordHash = string(hash)
	h := newTestHandler(&stubRepo{account: account})

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "ok", body: `{"external_id":"alice","password":"secret"}`, want: http.StatusOK},
		{name: "wrong password", body: `{"external_id":"alice","password":"nope"}`, want: http.StatusUnauthorized},
		{name: "missing fields", body: `{}`, want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewBufferString(tt.body))
			rec := httptest.NewRecorder()

			h.Login(rec, req)

			require.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusOK {
				require.NotEmpty(t, rec.Header().Get("Authorization"))
			}
		})
	}
}

func TestLoginUnknownAccount(t *testing.T) {
	h := newTestHandler(&stubRepo{})

	req := httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewBufferString(`{"external_id":"ghost","password":"x"}`))
	rec := httptest.NewRecorder()

	h.Login(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginInactiveAccount(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	account := testAccount()
	account.PasswordHash = string(hash)
	account.IsActive = false
	h := newTestHandler(&stubRepo{account: account})

	req := httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewBufferString(`{"external_id":"alice","password":"secret"}`))
	rec := httptest.NewRecorder()

	h.Login(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAcceptWalletInvoiceStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "not found", err: repository.ErrNotFound, want: http.StatusNotFound},
		{name: "insufficient funds", err: repository.ErrInsufficientFunds, want: http.StatusNotAcceptable},
		{name: "already finalized", err: repository.ErrInvalidState, want: http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(&stubRepo{err: tt.err})

			r := chi.NewRouter()
			r.Use(authed(testAccount()))
			r.Post("/api/wallet/invoices/{invoiceID}/accept", h.AcceptWalletInvoice)

			req := httptest.NewRequest(http.MethodPost, "/api/wallet/invoices/42/accept", bytes.NewBufferString(`{"accepted":true}`))
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			require.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAcceptWalletInvoice(t *testing.T) {
	invoice := &models.WalletInvoice{ID: 42, Status: models.StatusPayWallet}
	h := newTestHandler(&stubRepo{invoice: invoice})

	r := chi.NewRouter()
	r.Use(authed(testAccount()))
	r.Post("/api/wallet/invoices/{invoiceID}/accept", h.AcceptWalletInvoice)

	req := httptest.NewRequest(http.MethodPost, "/api/wallet/invoices/42/accept", bytes.NewBufferString(`{"accepted":true}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Invoice *models.WalletInvoice `json:"invoice"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, models.StatusPayWallet, resp.Invoice.Status)
}

func TestCreateWalletInvoice(t *testing.T) {
	invoice := &models.WalletInvoice{ID: 1, Status: models.StatusWaiting, ChargeAmount: 500}
	h := newTestHandler(&stubRepo{invoice: invoice})

	r := chi.NewRouter()
	r.Use(authed(testAccount()))
	r.Post("/api/wallet/invoices", h.CreateWalletInvoice)

	req := httptest.NewRequest(http.MethodPost, "/api/wallet/invoices", bytes.NewBufferString(`{"charge_amount":500}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestCreateWalletInvoiceNoUpstream(t *testing.T) {
	h := newTestHandler(&stubRepo{err: repository.ErrNoUpstream})

	r := chi.NewRouter()
	r.Use(authed(testAccount()))
	r.Post("/api/wallet/invoices", h.CreateWalletInvoice)

	req := httptest.NewRequest(http.MethodPost, "/api/wallet/invoices", bytes.NewBufferString(`{"charge_amount":500}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCreateConfigurationInvoiceDiscountErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "expired", err: repository.ErrDiscountExpired, want: http.StatusUnprocessableEntity},
		{name: "usage exceeded", err: repository.ErrDiscountUsageExceeded, want: http.StatusUnprocessableEntity},
		{name: "below minimum", err: repository.ErrDiscountBelowMinimum, want: http.StatusUnprocessableEntity},
		{name: "insufficient funds", err: repository.ErrInsufficientFunds, want: http.StatusNotAcceptable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(&stubRepo{err: tt.err})

			r := chi.NewRouter()
			r.Use(authed(testAccount()))
			r.Post("/api/config/invoices", h.CreateConfigurationInvoice)

			req := httptest.NewRequest(http.MethodPost, "/api/config/invoices", bytes.NewBufferString(`{"volume":5,"discount_code":"save10"}`))
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			require.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestGetBalance(t *testing.T) {
	h := newTestHandler(&stubRepo{balance: 1234})

	r := chi.NewRouter()
	r.Use(authed(testAccount()))
	r.Get("/api/balance", h.GetBalance)

	req := httptest.NewRequest(http.MethodGet, "/api/balance", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Balance int64 `json:"balance"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, int64(1234), resp.Balance)
}

func TestCreateDiscountRequiresRepresentative(t *testing.T) {
	h := newTestHandler(&stubRepo{})

	r := chi.NewRouter()
	r.Use(authed(testAccount()))
	r.Post("/api/discounts", h.CreateDiscount)

	req := httptest.NewRequest(http.MethodPost, "/api/discounts", bytes.NewBufferString(`{"code":"save10","percent":10}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateDiscount(t *testing.T) {
	account := testAccount()
	account.IsRepresentative = true
	h := newTestHandler(&stubRepo{})

	r := chi.NewRouter()
	r.Use(authed(account))
	r.Post("/api/discounts", h.CreateDiscount)

	req := httptest.NewRequest(http.MethodPost, "/api/discounts", bytes.NewBufferString(`{"code":"save10","percent":10,"expires_at":"2027-01-01T00:00:00Z"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestGetRepresentativeProfile(t *testing.T) {
	profile := &models.RepresentativeProfile{AccountID: 9, BaseSellingPrice: 100, BasePurchasePrice: 80}
	h := newTestHandler(&stubRepo{account: testAccount(), profile: profile})

	r := chi.NewRouter()
	r.Use(authed(testAccount()))
	r.Get("/api/accounts/{externalID}/profile", h.GetRepresentativeProfile)

	req := httptest.NewRequest(http.MethodGet, "/api/accounts/bob/profile", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.RepresentativeProfile
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, int64(80), resp.BasePurchasePrice)
}

func TestGetRepresentativeProfileNotRepresentative(t *testing.T) {
	h := newTestHandler(&stubRepo{account: testAccount()})

	r := chi.NewRouter()
	r.Use(authed(testAccount()))
	r.Get("/api/accounts/{externalID}/profile", h.GetRepresentativeProfile)

	req := httptest.NewRequest(http.MethodGet, "/api/accounts/bob/profile", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPromoteAccountRejectsBadCardNumber(t *testing.T) {
	h := newTestHandler(&stubRepo{account: testAccount()})

	r := chi.NewRouter()
	r.Use(authed(testAccount()))
	r.Post("/api/accounts/{externalID}/promote", h.PromoteAccount)

	req := httptest.NewRequest(http.MethodPost, "/api/accounts/bob/promote", bytes.NewBufferString(`{"card_number":"1234"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestUnauthenticatedRequests(t *testing.T) {
	h := newTestHandler(&stubRepo{})

	req := httptest.NewRequest(http.MethodGet, "/api/balance", nil)
	rec := httptest.NewRecorder()

	h.GetBalance(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
