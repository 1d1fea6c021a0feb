package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WalletInvoicesCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wallet_invoices_created_total",
			Help: "Total number of wallet recharge invoices created",
		},
	)

	WalletInvoicesResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_invoices_resolved_total",
			Help: "Wallet invoices moved to a terminal status",
		},
		[]string{"status"},
	)

	ConfigurationInvoicesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "configuration_invoices_created_total",
			Help: "Configuration invoices created, by origin",
		},
		[]string{"origin"},
	)

	PanelAllocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "panel_allocations_total",
			Help: "Volume allocation attempts against the remote panel",
		},
		[]string{"outcome"},
	)
)
