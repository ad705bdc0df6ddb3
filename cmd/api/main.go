package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"classtrack/internal/account"
	"classtrack/internal/airquality"
	"classtrack/internal/alert"
	"classtrack/internal/attendance"
	"classtrack/internal/auth"
	"classtrack/internal/config"
	"classtrack/internal/device"
	"classtrack/internal/ingest"
	"classtrack/internal/logging"
	"classtrack/internal/notify"
	"classtrack/internal/queue"
	"classtrack/internal/store"
	"classtrack/internal/student"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("warning: .env not loaded: %v", err)
	}
	cfg := config.Load()

	logging.Init(cfg.RollbarToken, cfg.Env, cfg.Version)
	defer logging.Close()

	// Set Gin mode based on environment
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		logging.Error("http server failed", err, nil)
		logging.Close()
		os.Exit(1)
	}
}

func runHTTP(cfg config.App) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var db *store.DB
	if cfg.StoreBackend != "memory" {
		var err error
		db, err = store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Printf("warning: db not reachable: %v", err)
		} else if err := db.Migrate(ctx); err != nil {
			log.Printf("warning: schema migration failed: %v", err)
		}
		defer db.Close()
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	var q queue.Queue
	if cfg.QueueBackend == "redis" {
		q = queue.NewRedisQueue(redisClient.Client, queue.DefaultKey)
	} else {
		mem := queue.NewInMemory(64)
		q = mem
		// nothing else reads the in-memory queue, so deliver from here
		go func() {
			if err := notify.Run(ctx, mem, notify.New(cfg.SlackWebhookURL)); err != nil {
				logging.Error("alert notifier stopped", err, nil)
			}
		}()
	}

	a := buildApp(cfg, db, redisClient, q)
	r := newRouter(cfg, a)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting server on :%s (store=%s queue=%s)", cfg.HTTPPort, cfg.StoreBackend, cfg.QueueBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	go sweepLimiter(ctx, a)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Println("Shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// app holds the wired services shared by the routes.
type app struct {
	issuer     *auth.Issuer
	accounts   *account.Service
	students   *student.Service
	devices    *device.Registry
	attendance *attendance.Evaluator
	readings   *airquality.Evaluator
	alerts     alert.Sink
	gateway    *ingest.Gateway
	health     healthCheck
	limiter    interface{ Sweep() }
}

func buildApp(cfg config.App, db *store.DB, rdb *store.Redis, q queue.Queue) *app {
	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.JWTIssuer, cfg.UserTokenTTL, cfg.DeviceTokenTTL)

	var (
		users    account.Repository
		students student.Repository
		devices  device.Repository
		records  attendance.Repository
		readings airquality.Repository
		sink     alert.Sink
	)
	if db == nil {
		users = account.NewMemoryRepository()
		students = student.NewMemoryRepository()
		devices = device.NewMemoryRepository()
		records = attendance.NewMemoryRepository()
		readings = airquality.NewMemoryRepository()
		sink = alert.NewMemorySink()
	} else {
		users = account.NewPostgresRepository(db.Client)
		students = student.NewPostgresRepository(db.Client)
		devices = device.NewPostgresRepository(db.Client)
		records = attendance.NewPostgresRepository(db.Client)
		readings = airquality.NewPostgresRepository(db.Client)
		sink = alert.NewPostgresSink(db.Client)
	}

	var debouncer alert.Debouncer = alert.NoDebounce{}
	if cfg.AlertCooldown > 0 {
		if cfg.AlertDebounceBackend == "redis" {
			debouncer = alert.NewRedisCooldown(rdb.Client, cfg.AlertCooldown)
		} else {
			debouncer = alert.NewMemoryCooldown(cfg.AlertCooldown)
		}
	}

	cutoff, err := attendance.ParseCutoff(cfg.AttendanceCutoff)
	if err != nil {
		log.Printf("invalid ATTENDANCE_CUTOFF %q: %v, using %s", cfg.AttendanceCutoff, err, attendance.DefaultCutoff)
		cutoff = attendance.DefaultCutoff
	}
	var policy attendance.DuplicatePolicy = attendance.AllowAll{}
	if cfg.DedupWindow > 0 {
		policy = attendance.WindowPolicy{Window: cfg.DedupWindow}
	}

	registry := device.NewRegistry(devices, issuer)
	studentSvc := student.NewService(students)
	att := attendance.NewEvaluator(studentSvc, registry, records, attendance.Options{
		Cutoff:             cutoff,
		Location:           cfg.Location(),
		DefaultReliability: cfg.DefaultReliability,
		Policy:             policy,
	})
	aq := airquality.NewEvaluator(registry, readings, alert.NewDispatcher(sink, debouncer, q))

	return &app{
		issuer:     issuer,
		accounts:   account.NewService(users, issuer),
		students:   studentSvc,
		devices:    registry,
		attendance: att,
		readings:   aq,
		alerts:     sink,
		gateway:    ingest.NewGateway(att, aq, registry, cfg.PersistTimeout),
		health:     healthCheck{
			db:        db,
			redis:     rdb,
			needDB:    db != nil,
			needRedis: cfg.QueueBackend == "redis" || (cfg.AlertDebounceBackend == "redis" && cfg.AlertCooldown > 0),
		},
	}
}

func sweepLimiter(ctx context.Context, a *app) {
	if a.limiter == nil {
		return
	}
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.limiter.Sweep()
		}
	}
}
