package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mirzadev/resellerd/internal/middleware"
	"github.com/mirzadev/resellerd/internal/models"
	"github.com/mirzadev/resellerd/internal/monitoring"
	"github.com/mirzadev/resellerd/internal/repository"
	"github.com/mirzadev/resellerd/internal/service"
	"github.com/mirzadev/resellerd/internal/utils"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

type Handler struct {
	Repo      repository.Repository
	Allocator *service.Allocator
	JWTSecret string
	Log       *zap.Logger
}

func NewHandler(repo repository.Repository, allocator *service.Allocator, jwtSecret string, log *zap.Logger) *Handler {
	return &Handler{
		Repo:      repo,
		Allocator: allocator,
		JWTSecret: jwtSecret,
		Log:       log,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeRepoError translates repository sentinels into HTTP statuses.
// Authorization misses answer 404 so callers cannot probe for accounts
// outside their own subtree.
func writeRepoError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	case errors.Is(err, repository.ErrInsufficientFunds):
		http.Error(w, "Insufficient funds", http.StatusNotAcceptable)
	case errors.Is(err, repository.ErrInvalidState):
		http.Error(w, "Invoice already finalized", http.StatusConflict)
	case errors.Is(err, repository.ErrDuplicateIdentity):
		http.Error(w, "Already exists", http.StatusConflict)
	case errors.Is(err, repository.ErrAccountInUse):
		http.Error(w, "Account still referenced", http.StatusConflict)
	case errors.Is(err, repository.ErrInvalidAmount),
		errors.Is(err, repository.ErrNoUpstream),
		errors.Is(err, repository.ErrPriceUnavailable),
		errors.Is(err, repository.ErrDiscountExpired),
		errors.Is(err, repository.ErrDiscountUsageExceeded),
		errors.Is(err, repository.ErrDiscountBelowMinimum):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		http.Error(w, "Server error", http.StatusInternalServerError)
	}
}

// resolveDownstream fetches an account by external id, but only if the caller
// is entitled to see it: admins see everyone, anyone else only direct
// downstreams, located through the derived unique id.
func (h *Handler) resolveDownstream(ctx context.Context, caller *models.Account, externalID string) (*models.Account, error) {
	if caller.IsAdmin {
		return h.Repo.GetAccountByExternalID(ctx, externalID)
	}
	return h.Repo.GetAccountByUniqueID(ctx, utils.DeriveUniqueID(caller.ExternalID, externalID))
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExternalID string `json:"external_id"`
		Password   string `json:"password"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if req.ExternalID == "" || req.Password == "" {
		http.Error(w, "External id and password are required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	account, err := h.Repo.GetAccountByExternalID(ctx, req.ExternalID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "Invalid credentials", http.StatusUnauthorized)
			return
		}
		http.Error(w, "Server error", http.StatusInternalServerError)
		return
	}

	if !account.IsActive {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(req.Password)); err != nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := middleware.GenerateToken(account.ID, account.PasswordChangedAt, h.JWTSecret)
	if err != nil {
		http.Error(w, "Server error", http.StatusInternalServerError)
		return
	}

	middleware.SetAuthCookie(w, token)
	w.Header().Set("Authorization", "Bearer "+token)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.GetAccount(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		ExternalID string `json:"external_id"`
		FirstName  string `json:"first_name"`
		LastName   string `json:"last_name"`
		Password   string `json:"password"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if req.ExternalID == "" || req.Password == "" {
		http.Error(w, "External id and password are required", http.StatusBadRequest)
		return
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "Server error", http.StatusInternalServerError)
		return
	}

	account, err := h.Repo.CreateAccount(r.Context(), caller, req.ExternalID, req.FirstName, req.LastName, string(hashedPassword))
	if err != nil {
		writeRepoError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, account)
}

func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.GetAccount(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	limit := defaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	accounts, err := h.Repo.GetDownstreamAccounts(r.Context(), caller.ID, limit, offset)
	if err != nil {
		http.Error(w, "Server error", http.StatusInternalServerError)
		return
	}

	if len(accounts) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, accounts)
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.GetAccount(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	account, err := h.resolveDownstream(r.Context(), caller, chi.URLParam(r, "externalID"))
	if err != nil {
		writeRepoError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, account)
}

func (h *Handler) GetRepresentativeProfile(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.GetAccount(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	account, err := h.resolveDownstream(r.Context(), caller, chi.URLParam(r, "externalID"))
	if err != nil {
		writeRepoError(w, err)
		return
	}

	profile, err := h.Repo.GetRepresentativeProfile(r.Context(), account.ID)
	if err != nil {
		writeRepoError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

func (h *Handler) PromoteAccount(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.GetAccount(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		PhoneNumber       string `json:"phone_number"`
		CardNumber        string `json:"card_number"`
		BasePurchasePrice int64  `json:"base_purchase_price"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if req.CardNumber != "" && !utils.ValidateCardNumber(req.CardNumber) {
		http.Error(w, "Invalid card number", http.StatusUnprocessableEntity)
		return
	}

	account, err := h.resolveDownstream(r.Context(), caller, chi.URLParam(r, "externalID"))
	if err != nil {
		writeRepoError(w, err)
		return
	}

	profile, err := h.Repo.PromoteToRepresentative(r.Context(), account.ID, req.PhoneNumber, req.CardNumber, req.BasePurchasePrice)
	if err != nil {
		writeRepoError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

func (h *Handler) DeactivateAccount(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.GetAccount(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	account, err := h.resolveDownstream(r.Context(), caller, chi.URLParam(r, "externalID"))
	if err != nil {
		writeRepoError(w, err)
		return
	}

	if err := h.Repo.DeactivateAccount(r.Context(), account.ID); err != nil {
		writeRepoError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.GetAccount(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	account, err := h.resolveDownstream(r.Context(), caller, chi.URLParam(r, "externalID"))
	if err != nil {
		writeRepoError(w, err)
		return
	}

	if err := h.Repo.DeleteAccount(r.Context(), account.ID); err != nil {
		writeRepoError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) UpdatePassword(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.GetAccount(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if req.NewPassword == "" {
		http.Error(w, "New password is required", http.StatusBadRequest)
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(caller.PasswordHash), []byte(req.OldPassword)); err != nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "Server error", http.StatusInternalServerError)
		return
	}

	// bumping password_changed_at invalidates every outstanding token
	if err := h.Repo.UpdatePassword(r.Context(), caller.ID, string(hashedPassword)); err != nil {
		writeRepoError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.GetAccount(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	balance, err := h.Repo.GetWalletBalance(r.Context(), caller.ID)
	if err != nil {
		writeRepoError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Balance int64 `json:"balance"`
	}{Balance: balance})
}

func (h *Handler) CreateWalletInvoice(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.GetAccount(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		ChargeAmount int64  `json:"charge_amount"`
		GetConfig    bool   `json:"get_config"`
		DiscountCode string `json:"discount_code"`
		Description  string `json:"description"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	invoice, err := h.Repo.CreateWalletInvoice(r.Context(), caller.ID, req.ChargeAmount, req.GetConfig, req.DiscountCode, req.Description)
	if err != nil {
		writeRepoError(w, err)
		return
	}

	monitoring.WalletInvoicesCreated.Inc()
	writeJSON(w, http.StatusCreated, invoice)
}

func (h *Handler) ListWalletInvoices(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.GetAccount(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	asSeller := r.URL.Query().Get("role") == "seller"
	invoices, err := h.Repo.GetWalletInvoices(r.Context(), caller.ID, asSeller)
	if err != nil {
		http.Error(w, "Server error", http.StatusInternalServerError)
		return
	}

	if len(invoices) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, invoices)
}

func (h *Handler) AcceptWalletInvoice(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.GetAccount(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	invoiceID, err := strconv.ParseInt(chi.URLParam(r, "invoiceID"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid invoice id", http.StatusBadRequest)
		return
	}

	var req struct {
		Accepted bool `json:"accepted"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	invoice, configInvoice, err := h.Repo.AcceptWalletInvoice(r.Context(), invoiceID, caller.ID, req.Accepted)
	if err != nil {
		writeRepoError(w, err)
		return
	}

	if models.IsTerminalStatus(invoice.Status) {
		monitoring.WalletInvoicesResolved.WithLabelValues(invoice.Status).Inc()
	}

	if configInvoice != nil {
		monitoring.ConfigurationInvoicesCreated.WithLabelValues("conversion").Inc()
		if h.Allocator != nil {
			h.Allocator.ProvisionAsync(configInvoice)
		}
	}

	writeJSON(w, http.StatusOK, struct {
		Invoice              *models.WalletInvoice        `json:"invoice"`
		ConfigurationInvoice *models.ConfigurationInvoice `json:"configuration_invoice,omitempty"`
	}{Invoice: invoice, ConfigurationInvoice: configInvoice})
}

func (h *Handler) CreateConfigurationInvoice(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.GetAccount(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Volume       int64  `json:"volume"`
		DiscountCode string `json:"discount_code"`
		Description  string `json:"description"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	invoice, err := h.Repo.CreateConfigurationInvoice(r.Context(), caller.ID, req.Volume, req.DiscountCode, req.Description)
	if err != nil {
		writeRepoError(w, err)
		return
	}

	monitoring.ConfigurationInvoicesCreated.WithLabelValues("direct").Inc()
	if h.Allocator != nil {
		h.Allocator.ProvisionAsync(invoice)
	}

	writeJSON(w, http.StatusCreated, invoice)
}

func (h *Handler) ListConfigurationInvoices(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.GetAccount(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	asSeller := r.URL.Query().Get("role") == "seller"
	invoices, err := h.Repo.GetConfigurationInvoices(r.Context(), caller.ID, asSeller)
	if err != nil {
		http.Error(w, "Server error", http.StatusInternalServerError)
		return
	}

	if len(invoices) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, invoices)
}

func (h *Handler) CreateDiscount(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.GetAccount(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if !caller.IsRepresentative {
		http.Error(w, "Representative status required", http.StatusForbidden)
		return
	}

	var req struct {
		Code                  string    `json:"code"`
		Percent               int       `json:"percent"`
		Volume                int64     `json:"volume"`
		ExpiresAt             time.Time `json:"expires_at"`
		UsageCeiling          int       `json:"usage_ceiling"`
		UsesPerAccount        int       `json:"uses_per_account"`
		MinimumPurchaseAmount int64     `json:"minimum_purchase_amount"`
		MaximumDiscountAmount int64     `json:"maximum_discount_amount"`
		Refund                bool      `json:"refund"`
		Synchronous           bool      `json:"synchronous"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if req.Code == "" {
		http.Error(w, "Code is required", http.StatusBadRequest)
		return
	}

	discount, err := h.Repo.CreateDiscount(r.Context(), &models.Discount{
		SellerID:              caller.ID,
		Code:                  req.Code,
		Percent:               req.Percent,
		Volume:                req.Volume,
		ExpiresAt:             req.ExpiresAt,
		UsageCeiling:          req.UsageCeiling,
		UsesPerAccount:        req.UsesPerAccount,
		MinimumPurchaseAmount: req.MinimumPurchaseAmount,
		MaximumDiscountAmount: req.MaximumDiscountAmount,
		Refund:                req.Refund,
		Synchronous:           req.Synchronous,
	})
	if err != nil {
		writeRepoError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, discount)
}

func (h *Handler) ListDiscounts(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.GetAccount(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	discounts, err := h.Repo.GetDiscounts(r.Context(), caller.ID)
	if err != nil {
		http.Error(w, "Server error", http.StatusInternalServerError)
		return
	}

	if len(discounts) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, discounts)
}
