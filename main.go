package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gin-gonic/gin"
	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/matheusmosca/checkout-core/services/cart"
	"github.com/matheusmosca/checkout-core/services/catalog"
	"github.com/matheusmosca/checkout-core/services/inventory"
	"github.com/matheusmosca/checkout-core/services/notifications"
	"github.com/matheusmosca/checkout-core/services/orders"
	"github.com/matheusmosca/checkout-core/services/payments"
)

func main() {
	// Initialize OpenTelemetry
	tp, err := initTracer()
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	mp, err := initMetrics()
	if err != nil {
		log.Fatalf("Failed to initialize metrics: %v", err)
	}
	defer func() {
		if err := mp.Shutdown(context.Background()); err != nil {
			log.Printf("Error shutting down meter: %v", err)
		}
	}()

	tracer := tp.Tracer("checkout-core")
	meter := mp.Meter("checkout-core")

	// Run migrations before the pool opens
	if err := runMigrations(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Initialize database
	dbPool, err := initDB()
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer dbPool.Close()

	// Cart cache: Redis when an address is configured, otherwise a no-op
	var cartCache cart.Cache = cart.NoopCache{}
	if addr := getEnv("REDIS_ADDR", "localhost:6379"); addr != "disabled" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: getEnv("REDIS_PASSWORD", ""),
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.Printf("⚠️ Redis unavailable at %s, running without cart cache: %v", addr, err)
		} else {
			log.Println("✅ Connected to Redis")
			cartCache = cart.NewRedisCache(redisClient)
		}
	}

	// Notification bus (in-process)
	bus := gochannel.NewGoChannel(gochannel.Config{}, watermill.NewStdLogger(false, false))
	defer bus.Close()

	events := notifications.NewPublisher(bus)
	consumer := notifications.NewConsumer(bus, notifications.LogNotifier{})

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := consumer.Run(rootCtx); err != nil {
			log.Printf("❌ Notification consumer stopped: %v", err)
		}
	}()

	// Wire the services
	taxRate := mustDecimal(getEnv("TAX_RATE", "0.10"))
	anonCartTTL := mustDuration(getEnv("ANON_CART_TTL", "720h"))

	catalogRepo := catalog.NewPostgresCatalog(dbPool)
	ledger := inventory.NewLedger(inventory.NewPostgresRepository(dbPool), dbPool, meter)

	cartRepo := cart.NewPostgresRepository(dbPool, anonCartTTL)
	cartService := cart.NewService(cartRepo, cartCache, catalogRepo, ledger, taxRate)
	cartHandler := cart.NewHandler(cartService, tracer)

	orderRepo := orders.NewPostgresRepository(dbPool)
	orderService := orders.NewService(orderRepo, cartRepo, cartCache, catalogRepo, ledger, events, meter)
	orderHandler := orders.NewHandler(orderService, tracer)

	provider := payments.NewRestProvider(
		getEnv("PAYMENT_PROVIDER_URL", "https://api.stripe.com"),
		getEnv("PAYMENT_API_KEY", ""),
		getEnv("PAYMENT_WEBHOOK_SECRET", ""),
	)
	reconciler := payments.NewReconciler(orderRepo, provider, events, getEnv("CURRENCY", "usd"), meter)
	paymentHandler := payments.NewHandler(reconciler, getEnv("PAYMENT_SIGNATURE_HEADER", "Stripe-Signature"), tracer)

	// Background reapers: expired pending orders and stale anonymous carts
	pendingTTL := mustDuration(getEnv("PENDING_ORDER_TTL", "30m"))
	go runReapers(rootCtx, orderService, cartService, pendingTTL)

	// Setup Gin router
	r := gin.Default()
	r.Use(otelgin.Middleware(getEnv("SERVICE_NAME", "checkout-core")))

	r.GET("/health", func(c *gin.Context) {
		if err := dbPool.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	admin := adminMiddleware(getEnv("ADMIN_TOKEN", ""))

	api := r.Group("/api")
	{
		api.GET("/cart", cartHandler.Get)
		api.POST("/cart/items", cartHandler.AddItem)
		api.PUT("/cart/items/:lineID", cartHandler.UpdateItem)
		api.DELETE("/cart/items/:lineID", cartHandler.RemoveItem)
		api.DELETE("/cart", cartHandler.Clear)
		api.POST("/cart/discount", cartHandler.ApplyDiscount)
		api.PUT("/cart/shipping", cartHandler.SetShipping)
		api.POST("/cart/merge", cartHandler.Merge)

		api.POST("/orders", orderHandler.Create)
		api.GET("/orders", orderHandler.List)
		api.GET("/orders/:id", admin, orderHandler.Get)
		api.POST("/orders/:id/cancel", admin, orderHandler.Cancel)
		api.PUT("/orders/:id/status", requireAdmin, orderHandler.UpdateStatus)

		api.POST("/payment/create-intent", admin, paymentHandler.CreateIntent)
		api.POST("/payment/confirm", admin, paymentHandler.Confirm)
		api.POST("/payment/webhook", paymentHandler.Webhook)
		api.POST("/payment/refund", requireAdmin, paymentHandler.Refund)
	}

	port := getEnv("PORT", "8080")
	log.Printf("🚀 Checkout core listening on port %s", port)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// adminMiddleware flags the request as admin when the token matches, so the
// handlers can skip ownership checks. It never rejects: the routes it guards
// are also reachable by the owning customer.
func adminMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token != "" && c.GetHeader("X-Admin-Token") == token {
			c.Set("is_admin", true)
		}
		c.Next()
	}
}

// requireAdmin rejects non-admin requests on fulfillment and refund routes.
func requireAdmin(c *gin.Context) {
	token := getEnv("ADMIN_TOKEN", "")
	if token == "" || c.GetHeader("X-Admin-Token") != token {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin token required", "code": "forbidden"})
		return
	}
	c.Set("is_admin", true)
	c.Next()
}

// runReapers periodically cancels pending orders whose payment never arrived
// and sweeps expired anonymous carts.
func runReapers(ctx context.Context, orderService *orders.Service, cartService *cart.Service, pendingTTL time.Duration) {
	orderTicker := time.NewTicker(1 * time.Minute)
	cartTicker := time.NewTicker(1 * time.Hour)
	defer orderTicker.Stop()
	defer cartTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-orderTicker.C:
			orderService.CancelExpiredPending(ctx, pendingTTL)
		case <-cartTicker.C:
			if err := cartService.SweepExpired(ctx); err != nil {
				log.Printf("⚠️ Cart sweep failed: %v", err)
			}
		}
	}
}

func runMigrations() error {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		getEnv("DATABASE_HOST", "localhost"),
		getEnv("DATABASE_PORT", "5432"),
		getEnv("DATABASE_USER", "root"),
		getEnv("DATABASE_PASSWORD", "pass"),
		getEnv("DATABASE_NAME", "checkout_db"),
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}
	defer db.Close()

	// Wait for database to be ready
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		if err := db.PingContext(ctx); err == nil {
			break
		}
		log.Printf("⏳ Waiting for database... (%d/30)", i+1)
		time.Sleep(1 * time.Second)
		if i == 29 {
			return fmt.Errorf("failed to connect to database after 30 attempts")
		}
	}

	driver, err := migratepostgres.WithInstance(db, &migratepostgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		"file://"+getEnv("MIGRATIONS_PATH", "migrations"),
		getEnv("DATABASE_NAME", "checkout_db"),
		driver,
	)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	log.Println("✅ Migrations applied")
	return nil
}

func initDB() (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		getEnv("DATABASE_USER", "root"),
		getEnv("DATABASE_PASSWORD", "pass"),
		getEnv("DATABASE_HOST", "localhost"),
		getEnv("DATABASE_PORT", "5432"),
		getEnv("DATABASE_NAME", "checkout_db"),
	)

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// Configure connection pool
	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = 1 * time.Minute

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Wait for database to be ready
	for i := 0; i < 30; i++ {
		if err := pool.Ping(ctx); err == nil {
			log.Println("✅ Connected to database with connection pool")
			return pool, nil
		}
		log.Printf("⏳ Waiting for database... (%d/30)", i+1)
		time.Sleep(1 * time.Second)
	}

	pool.Close()
	return nil, fmt.Errorf("failed to connect to database after 30 attempts")
}

func initTracer() (*sdktrace.TracerProvider, error) {
	ctx := context.Background()

	otlpEndpoint := getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318")

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(otlpEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(getEnv("SERVICE_NAME", "checkout-core")),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	otel.SetTracerProvider(tp)

	return tp, nil
}

func initMetrics() (*sdkmetric.MeterProvider, error) {
	ctx := context.Background()

	otlpEndpoint := getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318")

	exporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(otlpEndpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(getEnv("SERVICE_NAME", "checkout-core")),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)

	otel.SetMeterProvider(mp)

	return mp, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		log.Fatalf("Invalid decimal %q: %v", s, err)
	}
	return d
}

func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		log.Fatalf("Invalid duration %q: %v", s, err)
	}
	return d
}
