// Package stockmonitor watches the inventory collection for low-stock
// products, debounces bursts of changes per supplier, and emits at most
// one auto-generated quotation per (product, supplier) pair per
// cooldown window.
package stockmonitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/quoteflow-io/quoteflow/internal/apperr"
	"github.com/quoteflow-io/quoteflow/internal/config"
	"github.com/quoteflow-io/quoteflow/internal/lock"
	"github.com/quoteflow-io/quoteflow/internal/storage"
	"golang.org/x/time/rate"
)

// envMillis reads key as a plain integer count of milliseconds, per the
// spec's "_MS" environment variable convention.
func envMillis(key string, defaultValue time.Duration) time.Duration {
	return time.Duration(config.GetEnvInt(key, int(defaultValue/time.Millisecond))) * time.Millisecond
}

const (
	inventoryCollection  = "inventory"
	productsCollection   = "products"
	quotationsCollection = "quotations"
	lockScopeDedup       = "STOCK_MONITOR"
	dedupLockTTL         = 5 * time.Minute
)

// Options configures a Monitor's debounce and fan-out behavior.
type Options struct {
	DebounceInterval time.Duration
	MaxBatch         int
	CooldownWindow   time.Duration
	// FanOutRateLimit bounds how many per-supplier bursts are processed
	// per second, smoothing load when many suppliers debounce at once.
	FanOutRateLimit rate.Limit
}

// DefaultOptions matches the spec's default env-driven configuration:
// STOCK_MONITOR_DEBOUNCE_MS, STOCK_MONITOR_MAX_BATCH,
// STOCK_MONITOR_COOLDOWN_DAYS.
func DefaultOptions() Options {
	cooldownDays := config.GetEnvInt("STOCK_MONITOR_COOLDOWN_DAYS", 7)

	return Options{
		DebounceInterval: envMillis("STOCK_MONITOR_DEBOUNCE_MS", 3*time.Second),
		MaxBatch:         config.GetEnvInt("STOCK_MONITOR_MAX_BATCH", 20),
		CooldownWindow:   time.Duration(cooldownDays) * 24 * time.Hour,
		FanOutRateLimit:  rate.Limit(config.GetEnvFloat("STOCK_MONITOR_SUPPLIER_RATE_PER_SEC", 5)),
	}
}

// Product is the minimal inventory-joined-to-catalog view the monitor
// needs to decide whether a change event is actionable.
type Product struct {
	ID              string
	SupplierID      string
	AutoRequest     bool
	SupplierEmail   string
	CurrentStock    float64
	MinStock        float64
	PackageQuantity float64
	PackageCount    float64
}

// effectiveStock supports either a direct field or packageQuantity ×
// packageCount, per spec.md §4.8.
func (p Product) effectiveStock() float64 {
	if p.PackageQuantity > 0 && p.PackageCount > 0 {
		return p.PackageQuantity * p.PackageCount
	}

	return p.CurrentStock
}

func (p Product) lowStock() bool {
	return p.effectiveStock() <= p.MinStock
}

// CreateQuotation is the callback the monitor invokes, once per
// debounced burst per product, to create the auto-generated quotation.
// Implementations must be safe to call concurrently across suppliers.
type CreateQuotation func(ctx context.Context, productID, supplierID, supplierEmail string) error

// Monitor watches inventory and fans out debounced low-stock bursts per
// supplier, suppressing duplicates via a dedup lock plus a cooldown
// check against existing quotations.
type Monitor struct {
	docs    storage.DocStore
	locks   *lock.Manager
	logger  *slog.Logger
	opts    Options
	create  CreateQuotation
	limiter *rate.Limiter

	mu      sync.Mutex
	buffers map[string]*supplierBuffer // supplierID -> pending products
}

type supplierBuffer struct {
	products map[string]Product // productID -> latest snapshot
	timer    *time.Timer
}

// New constructs a Monitor. create is invoked for each product that
// clears the dedup+cooldown check within a debounced burst.
func New(docs storage.DocStore, locks *lock.Manager, logger *slog.Logger, opts Options, create CreateQuotation) *Monitor {
	return &Monitor{
		docs:    docs,
		locks:   locks,
		logger:  logger,
		opts:    opts,
		create:  create,
		limiter: rate.NewLimiter(opts.FanOutRateLimit, 1),
		buffers: make(map[string]*supplierBuffer),
	}
}

// Start subscribes to inventory changes and debounces them until ctx is
// cancelled. It blocks until the subscription ends.
func (m *Monitor) Start(ctx context.Context, lookupProduct func(ctx context.Context, productID string) (Product, error)) error {
	changes, cancel, err := m.docs.Watch(ctx, inventoryCollection, nil)
	if err != nil {
		return apperr.Transient("stockmonitor: subscribe to inventory", err)
	}

	defer func() { _ = cancel() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-changes:
			if !ok {
				return nil
			}

			if change.Kind == storage.ChangeRemoved {
				continue
			}

			m.handleChange(ctx, change, lookupProduct)
		}
	}
}

func (m *Monitor) handleChange(ctx context.Context, change storage.Change, lookupProduct func(ctx context.Context, productID string) (Product, error)) {
	product, err := lookupProduct(ctx, change.ID)
	if err != nil {
		m.logger.Warn("stockmonitor: product lookup failed", "productId", change.ID, "error", err)

		return
	}

	if !product.AutoRequest || product.SupplierID == "" {
		return
	}

	if !product.lowStock() {
		return
	}

	m.enqueue(ctx, product)
}

// enqueue buffers product under its supplier and (re)arms the debounce
// timer that fires exactly one burst per supplier per quiet period.
func (m *Monitor) enqueue(ctx context.Context, product Product) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, ok := m.buffers[product.SupplierID]
	if !ok {
		buf = &supplierBuffer{products: make(map[string]Product)}
		m.buffers[product.SupplierID] = buf
	}

	if len(buf.products) < m.opts.MaxBatch {
		buf.products[product.ID] = product
	}

	if buf.timer != nil {
		buf.timer.Stop()
	}

	supplierID := product.SupplierID

	buf.timer = time.AfterFunc(m.opts.DebounceInterval, func() {
		m.fire(ctx, supplierID)
	})
}

func (m *Monitor) fire(ctx context.Context, supplierID string) {
	m.mu.Lock()
	buf, ok := m.buffers[supplierID]
	if ok {
		delete(m.buffers, supplierID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	if err := m.limiter.Wait(ctx); err != nil {
		return
	}

	for _, product := range buf.products {
		if err := m.processProduct(ctx, product); err != nil {
			m.logger.Warn("stockmonitor: process product failed", "productId", product.ID, "supplierId", supplierID, "error", err)
		}
	}
}

// processProduct implements spec.md §4.8's per-product burst handling:
// dedup key, processing lock, active/cooldown check, then create.
func (m *Monitor) processProduct(ctx context.Context, product Product) error {
	dedupKey := product.ID + ":" + product.SupplierID

	l, err := m.locks.Acquire(ctx, lockScopeDedup, dedupKey, lock.Options{
		TTL:               dedupLockTTL,
		HeartbeatInterval: dedupLockTTL / 3,
		MaxRetries:        0,
		BaseBackoff:       50 * time.Millisecond,
		MaxBackoff:        50 * time.Millisecond,
	})
	if err != nil {
		if errors.Is(err, apperr.LockUnavailable("", nil)) {
			// Another process already owns this product/supplier's burst;
			// nothing to do here.
			return nil
		}

		return err
	}

	defer func() { _ = m.locks.Release(context.Background(), l.ID, l.HolderID) }()

	active, err := m.hasActiveOrRecentQuotation(ctx, product.ID, product.SupplierID)
	if err != nil {
		return err
	}

	if active {
		return nil
	}

	return m.create(ctx, product.ID, product.SupplierID, product.SupplierEmail)
}

// hasActiveOrRecentQuotation reports whether a non-terminal quotation
// already exists for (productId, supplierId), or a terminal one was
// received within the cooldown window.
func (m *Monitor) hasActiveOrRecentQuotation(ctx context.Context, productID, supplierID string) (bool, error) {
	page, err := m.docs.Query(ctx, quotationsCollection, storage.QueryOptions{
		Filters: []storage.Filter{
			{Field: "productId", Op: storage.OpEqual, Value: productID},
			{Field: "supplierId", Op: storage.OpEqual, Value: supplierID},
		},
		OrderBy: "createdAt",
		Desc:    true,
		Limit:   10,
	})
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()

	for _, doc := range page.Items {
		status, _ := doc["status"].(string)

		switch status {
		case "Received", "Cancelled", "Expired":
			receivedAt, _ := doc["receivedAt"].(string)
			if status != "Received" || receivedAt == "" {
				continue
			}

			t, perr := time.Parse(time.RFC3339, receivedAt)
			if perr == nil && now.Sub(t) < m.opts.CooldownWindow {
				return true, nil
			}
		default:
			// Any other status is non-terminal: an active quotation already
			// covers this product/supplier pair.
			return true, nil
		}
	}

	return false, nil
}
