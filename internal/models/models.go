package models

import (
	"time"
)

type Account struct {
	ID                int64     `json:"id"`
	UpstreamID        *int64    `json:"upstream_id,omitempty"`
	ExternalID        string    `json:"external_id"`
	UniqueID          string    `json:"-"`
	FirstName         string    `json:"first_name"`
	LastName          string    `json:"last_name"`
	PasswordHash      string    `json:"-"`
	PasswordChangedAt time.Time `json:"-"`
	IsActive          bool      `json:"is_active"`
	IsAdmin           bool      `json:"is_admin"`
	IsRepresentative  bool      `json:"is_representative"`
	WalletBalance     int64     `json:"wallet_balance"`
	CreatedAt         time.Time `json:"created_at"`
}

type RepresentativeProfile struct {
	ID                int64     `json:"id"`
	AccountID         int64     `json:"account_id"`
	PhoneNumber       string    `json:"phone_number"`
	BaseSellingPrice  int64     `json:"base_selling_price"`
	BasePurchasePrice int64     `json:"base_purchase_price"`
	CardNumber        string    `json:"card_number,omitempty"`
	BotToken          string    `json:"-"`
	ChannelID         string    `json:"channel_id,omitempty"`
	SupportID         string    `json:"support_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

type WalletInvoice struct {
	ID           int64     `json:"id"`
	BuyerID      int64     `json:"buyer_account_id"`
	SellerID     int64     `json:"seller_account_id"`
	ChargeAmount int64     `json:"charge_amount"`
	GetConfig    bool      `json:"get_config"`
	DiscountCode string    `json:"discount_code,omitempty"`
	Status       string    `json:"status"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type ConfigurationInvoice struct {
	ID             int64     `json:"id"`
	BuyerID        int64     `json:"buyer_account_id"`
	SellerID       int64     `json:"seller_account_id"`
	Volume         int64     `json:"volume"`
	BasePrice      int64     `json:"base_price"`
	DiscountAmount int64     `json:"discount_amount"`
	TotalPrice     int64     `json:"total_price"`
	Description    string    `json:"description,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type Discount struct {
	ID                    int64     `json:"id"`
	SellerID              int64     `json:"seller_account_id"`
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

type AccountDiscount struct {
	ID         int64  `json:"id"`
	AccountID  int64  `json:"account_id"`
	DiscountID int64  `json:"discount_id"`
	UseCount   int    `json:"use_count"`
	Kind       string `json:"kind"`
}

type Allocation struct {
	ID            int64     `json:"id"`
	InvoiceID     int64     `json:"invoice_id"`
	AccountID     int64     `json:"account_id"`
	VolumeGB      int64     `json:"volume_gb"`
	PanelUsername string    `json:"panel_username"`
	Allocated     bool      `json:"allocated"`
	Attempts      int       `json:"attempts"`
	CreatedAt     time.Time `json:"created_at"`
}

// Wallet invoice lifecycle. Transitions are one-directional:
// waiting -> confirmed -> pay_wallet | configuration_directe, or waiting -> rejected.
const (
	StatusWaiting              = "waiting"
	StatusConfirmed            = "confirmed"
	StatusRejected             = "rejected"
	StatusPayWallet            = "pay_wallet"
	StatusConfigurationDirecte = "configuration_directe"
)

const (
	DiscountKindUsed       = "used_by_users"
	DiscountKindAuthorized = "authorized_users_for_use"
)

// IsTerminalStatus reports whether a wallet invoice may no longer be acted on.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusRejected, StatusPayWallet, StatusConfigurationDirecte:
		return true
	}
	return false
}
