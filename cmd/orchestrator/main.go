// Package main wires and runs the procurement orchestrator: the
// DocStore adapter, Event Store, Lock Manager, Outbox, Idempotency gate,
// Quotation state machine, Order Service, Stock Monitor, CDC
// Subscription Manager, and Hygiene Reconciler, started in the
// dependency order the ambient stack requires and stopped on the first
// shutdown signal.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quoteflow-io/quoteflow/internal/cdc"
	"github.com/quoteflow-io/quoteflow/internal/config"
	"github.com/quoteflow-io/quoteflow/internal/eventstore"
	"github.com/quoteflow-io/quoteflow/internal/hygiene"
	"github.com/quoteflow-io/quoteflow/internal/idempotency"
	"github.com/quoteflow-io/quoteflow/internal/lock"
	"github.com/quoteflow-io/quoteflow/internal/order"
	"github.com/quoteflow-io/quoteflow/internal/outbox"
	"github.com/quoteflow-io/quoteflow/internal/quotation"
	"github.com/quoteflow-io/quoteflow/internal/stockmonitor"
	"github.com/quoteflow-io/quoteflow/internal/storage"
)

const (
	version = "1.0.0-dev"
	name    = "orchestrator"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	confirmOrderFor := flag.String("confirm-order", "", "quotation id: create the order for an already-Ordered quotation, then exit")
	confirmedBy := flag.String("confirmed-by", "orchestrator-cli", "confirmedBy value recorded on the created order")
	flag.Parse()

	if *versionFlag {
		os.Stdout.WriteString(name + " v" + version + "\n")
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	if *confirmOrderFor != "" {
		if err := confirmOrder(logger, *confirmOrderFor, *confirmedBy); err != nil {
			logger.Error("confirm-order failed", "error", err)
			os.Exit(1)
		}

		return
	}

	if err := run(logger); err != nil {
		logger.Error("orchestrator exited with error", "error", err)
		os.Exit(1)
	}
}

// confirmOrder is the one-shot CLI path onto order.Service: it loads
// the named quotation's projected fields straight from the quotations
// collection and confirms the order for it, bypassing the background
// service loop entirely. Useful for manual confirmation or scripted
// backfills without standing up the whole orchestrator process.
func confirmOrder(logger *slog.Logger, quotationID, confirmedBy string) error {
	dbConfig := storage.LoadConfig()
	if err := dbConfig.Validate(); err != nil {
		return err
	}

	conn, err := storage.NewConnection(dbConfig)
	if err != nil {
		return err
	}

	defer func() { _ = conn.Close() }()

	docs, err := storage.NewPostgresDocStore(conn, config.GetEnvStr("DATABASE_URL", ""))
	if err != nil {
		return err
	}

	defer func() { _ = docs.Close() }()

	locks := lock.New(docs)
	orders := order.New(docs, locks)

	q, err := loadOrderableQuotation(context.Background(), docs, quotationID)
	if err != nil {
		return err
	}

	created, wasDuplicate, err := orders.CreateOrderFromQuotation(context.Background(), q, confirmedBy)
	if err != nil {
		return err
	}

	logger.Info("order confirmed", "orderId", created.ID, "quotationId", quotationID, "alreadyExisted", wasDuplicate)

	return nil
}

func loadOrderableQuotation(ctx context.Context, docs storage.DocStore, quotationID string) (order.Quotation, error) {
	doc, err := docs.Get(ctx, "quotations", quotationID)
	if err != nil {
		return order.Quotation{}, err
	}

	supplierID, _ := doc["supplierId"].(string)

	var items []order.Item

	if raw, ok := doc["items"].([]any); ok {
		for _, r := range raw {
			m, ok := r.(map[string]any)
			if !ok {
				continue
			}

			productID, _ := m["productId"].(string)
			qty, _ := m["quantityToOrder"].(float64)

			price := decimal.Zero
			if s, ok := m["quotedUnitPrice"].(string); ok {
				if parsed, perr := decimal.NewFromString(s); perr == nil {
					price = parsed
				}
			}

			items = append(items, order.Item{
				ProductID:       productID,
				QuotedUnitPrice: price,
				QuantityToOrder: int(qty),
			})
		}
	}

	return order.Quotation{ID: quotationID, SupplierID: supplierID, Items: items}, nil
}

func run(logger *slog.Logger) error {
	dbConfig := storage.LoadConfig()
	if err := dbConfig.Validate(); err != nil {
		return err
	}

	conn, err := storage.NewConnection(dbConfig)
	if err != nil {
		return err
	}

	defer func() { _ = conn.Close() }()

	docs, err := storage.NewPostgresDocStore(conn, config.GetEnvStr("DATABASE_URL", ""))
	if err != nil {
		return err
	}

	defer func() { _ = docs.Close() }()

	// Construction order per the no-hidden-initialization-order design
	// note: DocStore, then Event Store, then Lock Manager and Outbox,
	// then the State Machine and Order Service, then the Stock Monitor
	// and CDC Subscription Manager.
	events := eventstore.New(docs)
	events.RegisterReducer("quotation", quotation.Reduce)

	locks := lock.New(docs)

	dispatcher := outbox.NewDispatcher(docs, logger)

	closeTransports, err := registerOutboxHandlers(dispatcher, logger)
	if err != nil {
		return err
	}

	defer closeTransports()

	idempotencyCapacity := config.GetEnvInt("IDEMPOTENCY_LOCAL_CACHE_SIZE", 1024)

	var redisCache *idempotency.RedisCache
	if addr := config.GetEnvStr("IDEMPOTENCY_REDIS_ADDR", ""); addr != "" {
		redisCache = idempotency.NewRedisCache(addr, logger)
		defer func() { _ = redisCache.Close() }()
	}

	var idempotencyGate *idempotency.Gate
	if redisCache != nil {
		idempotencyGate = idempotency.New(docs, idempotencyCapacity, redisCache)
	} else {
		idempotencyGate = idempotency.New(docs, idempotencyCapacity, nil)
	}

	quotations := quotation.NewService(docs, events)

	reconciler := hygiene.New(docs, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		dispatcher.Run(ctx)
	}()

	wg.Add(1)

	go func() {
		defer wg.Done()

		reconciler.Run(ctx, config.GetEnvDuration("HYGIENE_INTERVAL", time.Hour))
	}()

	monitor := stockmonitor.New(docs, locks, logger, stockmonitor.DefaultOptions(),
		makeCreateQuotation(quotations, idempotencyGate))

	wg.Add(1)

	go func() {
		defer wg.Done()

		if err := monitor.Start(ctx, makeLookupProduct(docs)); err != nil {
			logger.Error("stockmonitor: subscription ended", "error", err)
		}
	}()

	cdcManager := cdc.New(docs, logger)
	defer cdcManager.Close()

	cdcManager.Subscribe(ctx, "quotations", nil, cdc.DefaultOptions(), func(batch cdc.Batch) {
		logger.Info("cdc: quotations batch", "changes", len(batch.Changes))
	})

	logger.Info("orchestrator started",
		"service", name,
		"version", version,
	)

	<-ctx.Done()

	logger.Info("shutdown signal received, draining background tasks")

	wg.Wait()

	locks.ReleaseAll(context.Background())

	return nil
}

// registerOutboxHandlers wires one handler per message-type prefix
// named in spec.md §6: email_* fans out over AMQP to a mail-relay
// consumer, webhook_*/sync_* fan out over Kafka for replay-friendly
// downstream consumers, and push_* invokes a direct logging stub since
// the haptic/notification sink itself is out of scope. Supplier-level
// overrides are loaded from ROUTING_CONFIG_PATH and their count is
// logged; they do not change which handler a message type goes to.
// Returns a cleanup func that closes whatever transports were opened.
func registerOutboxHandlers(dispatcher *outbox.Dispatcher, logger *slog.Logger) (func(), error) {
	routing, err := config.LoadRoutingConfig(config.GetEnvStr("ROUTING_CONFIG_PATH", ""))
	if err != nil {
		return nil, err
	}

	if len(routing.SupplierRoutes) > 0 {
		logger.Info("outbox: loaded supplier routing overrides", "count", len(routing.SupplierRoutes))
	}

	closers := make([]func() error, 0, 2)

	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn("outbox: error closing transport", "error", err)
			}
		}
	}

	if amqpURL := config.GetEnvStr("AMQP_URL", ""); amqpURL != "" {
		mail, err := outbox.NewAMQPTransport(amqpURL, config.GetEnvStr("AMQP_MAIL_EXCHANGE", "quoteflow.mail"), logger)
		if err != nil {
			return nil, err
		}

		dispatcher.RegisterHandler("email_", mail.Handler())
		closers = append(closers, mail.Close)
	} else {
		dispatcher.RegisterHandler("email_", loggingHandler(logger, "email"))
	}

	if brokers := config.GetEnvStr("KAFKA_BROKERS", ""); brokers != "" {
		topic := config.GetEnvStr("KAFKA_SYNC_TOPIC", "quoteflow.sync")
		sync := outbox.NewKafkaTransport(strings.Split(brokers, ","), topic)

		dispatcher.RegisterHandler("webhook_", sync.Handler())
		dispatcher.RegisterHandler("sync_", sync.Handler())
		closers = append(closers, sync.Close)
	} else {
		dispatcher.RegisterHandler("webhook_", loggingHandler(logger, "webhook"))
		dispatcher.RegisterHandler("sync_", loggingHandler(logger, "sync"))
	}

	dispatcher.RegisterHandler("push_", loggingHandler(logger, "push"))

	return closeAll, nil
}

func loggingHandler(logger *slog.Logger, kind string) outbox.Handler {
	return func(ctx context.Context, payload map[string]any, headers map[string]string) error {
		logger.Info("outbox: delivering message", "kind", kind, "payload", payload, "headers", headers)

		return nil
	}
}

// makeLookupProduct joins the products and inventory collections into
// the stockmonitor.Product view, per spec.md §4.8's supports-either-
// direct-or-package-derived stock field.
func makeLookupProduct(docs storage.DocStore) func(ctx context.Context, productID string) (stockmonitor.Product, error) {
	return func(ctx context.Context, productID string) (stockmonitor.Product, error) {
		productDoc, err := docs.Get(ctx, "products", productID)
		if err != nil {
			return stockmonitor.Product{}, err
		}

		inventoryDoc, err := docs.Get(ctx, "inventory", productID)
		if err != nil {
			return stockmonitor.Product{}, err
		}

		supplierID, _ := productDoc["supplierId"].(string)
		autoRequest, _ := productDoc["autoRequestEnabled"].(bool)
		supplierEmail, _ := productDoc["supplierEmail"].(string)
		minStock, _ := productDoc["minStock"].(float64)

		currentStock, _ := inventoryDoc["currentStock"].(float64)
		packageQuantity, _ := inventoryDoc["packageQuantity"].(float64)
		packageCount, _ := inventoryDoc["packageCount"].(float64)

		return stockmonitor.Product{
			ID:              productID,
			SupplierID:      supplierID,
			AutoRequest:     autoRequest,
			SupplierEmail:   supplierEmail,
			CurrentStock:    currentStock,
			MinStock:        minStock,
			PackageQuantity: packageQuantity,
			PackageCount:    packageCount,
		}, nil
	}
}

// makeCreateQuotation builds the stockmonitor.CreateQuotation callback:
// it creates the quotation (document id == dedup key, enforcing
// uniqueness at the store level), routes it through SEND, and enqueues
// the supplier email in the same idempotency-guarded call.
func makeCreateQuotation(quotations *quotation.Service, idem *idempotency.Gate) stockmonitor.CreateQuotation {
	return func(ctx context.Context, productID, supplierID, supplierEmail string) error {
		dedupKey := productID + ":" + supplierID

		_, err := idem.Execute(ctx, "create_auto_quotation", map[string]any{"dedupKey": dedupKey}, idempotency.DefaultOptions(),
			func(ctx context.Context) (_ json.RawMessage, err error) {
				_, err = quotations.Create(ctx, dedupKey, storage.Doc{
					"productId":       productID,
					"supplierId":      supplierID,
					"supplierEmail":   supplierEmail,
					"isAutoGenerated": true,
				})
				if err != nil {
					return nil, err
				}

				_, err = quotations.ApplyCommand(ctx, dedupKey, quotation.CommandSend, map[string]any{
					"supplierEmail": supplierEmail,
				})

				return nil, err
			})

		return err
	}
}
