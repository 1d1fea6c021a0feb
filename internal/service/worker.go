package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mirzadev/resellerd/internal/models"
	"github.com/mirzadev/resellerd/internal/monitoring"
	"github.com/mirzadev/resellerd/internal/repository"
)

const (
	bytesPerGB       = int64(1) << 30
	retryInterval    = time.Minute
	pendingBatchSize = 20
	maxAttempts      = 10
)

// Allocator delivers purchased volume to the configuration panel. Deliveries
// are recorded first and retried from the allocations table, so a panel outage
// never loses a paid purchase.
type Allocator struct {
	repo  repository.Repository
	panel PanelClient
	log   *zap.Logger

	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewAllocator(repo repository.Repository, panel PanelClient, log *zap.Logger) *Allocator {
	return &Allocator{
		repo:     repo,
		panel:    panel,
		log:      log,
		interval: retryInterval,
		stopCh:   make(chan struct{}),
	}
}

func (a *Allocator) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.retryLoop()
	}()
}

func (a *Allocator) Stop() {
	close(a.stopCh)
	a.wg.Wait()
}

// ProvisionAsync runs Provision in the background, tracked by the worker's
// WaitGroup so Stop drains in-flight deliveries before the store closes.
func (a *Allocator) ProvisionAsync(invoice *models.ConfigurationInvoice) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		a.Provision(ctx, invoice)
	}()
}

// Provision records the allocation and makes a first delivery attempt. It is
// called after the invoice transaction has committed; failures here are
// retried by the background loop, never surfaced to the buyer.
func (a *Allocator) Provision(ctx context.Context, invoice *models.ConfigurationInvoice) {
	username := fmt.Sprintf("cfg-%s", uuid.NewString()[:8])

	allocation, err := a.repo.CreatePendingAllocation(ctx, invoice.ID, invoice.BuyerID, invoice.Volume, username)
	if err != nil {
		a.log.Error("record allocation",
			zap.Int64("invoice_id", invoice.ID),
			zap.Error(err))
		return
	}

	a.attempt(ctx, allocation)
}

func (a *Allocator) retryLoop() {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.processPending()
		case <-a.stopCh:
			return
		}
	}
}

func (a *Allocator) processPending() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	allocations, err := a.repo.GetPendingAllocations(ctx, pendingBatchSize, maxAttempts)
	if err != nil {
		a.log.Error("list pending allocations", zap.Error(err))
		return
	}

	for i := range allocations {
		a.attempt(ctx, &allocations[i])
	}
}

func (a *Allocator) attempt(ctx context.Context, allocation *models.Allocation) {
	if allocation.Attempts >= maxAttempts {
		return
	}

	subscription, err := a.panel.Allocate(ctx, allocation.PanelUsername, allocation.VolumeGB*bytesPerGB)
	if err != nil {
		monitoring.PanelAllocations.WithLabelValues("failure").Inc()
		a.log.Warn("panel allocation failed",
			zap.Int64("allocation_id", allocation.ID),
			zap.String("panel_username", allocation.PanelUsername),
			zap.Error(err))
		if err := a.repo.BumpAllocationAttempts(ctx, allocation.ID); err != nil {
			a.log.Error("bump allocation attempts", zap.Error(err))
		}
		return
	}

	if err := a.repo.MarkAllocated(ctx, allocation.ID); err != nil {
		a.log.Error("mark allocated", zap.Error(err))
		return
	}

	monitoring.PanelAllocations.WithLabelValues("success").Inc()
	a.log.Info("panel allocation delivered",
		zap.Int64("allocation_id", allocation.ID),
		zap.String("panel_username", allocation.PanelUsername),
		zap.String("subscription_url", subscription))
}
