package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sethvargo/go-envconfig"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"steward/pkg/bus"
	"steward/pkg/db"
	"steward/pkg/render"
	gos3 "steward/pkg/s3"
	"steward/pkg/telemetry"
	"steward/services/api"
	"steward/services/artifacts"
	"steward/services/audit"
	"steward/services/cloud"
	"steward/services/intent"
	"steward/services/pipeline"
	"steward/services/reasoning"
	"steward/services/stages"
)

type config struct {
	HTTPAddr      string        `env:"STEWARD_HTTP_ADDR, default=:8080"`
	DBDSN         string        `env:"STEWARD_DB_DSN, required"`
	NATSURL       string        `env:"STEWARD_NATS_URL"`
	PolicyFile    string        `env:"STEWARD_POLICY_FILE"`
	S3Bucket      string        `env:"S3_BUCKET"`
	PlatformURL   string        `env:"STEWARD_PLATFORM_URL, required"`
	PlatformToken string        `env:"STEWARD_PLATFORM_TOKEN"`
	VCSURL        string        `env:"STEWARD_VCS_URL, required"`
	VCSToken      string        `env:"STEWARD_VCS_TOKEN"`
	CostBudget    float64       `env:"STEWARD_COST_BUDGET"`
	GateSweep     time.Duration `env:"STEWARD_GATE_SWEEP_INTERVAL, default=5m"`
}

func main() {
	if err := run("stewardd"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownTelemetry != nil {
			if err := shutdownTelemetry(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
			}
		}
	}()

	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	orm, err := gorm.Open(postgres.Open(cfg.DBDSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("open orm: %w", err)
	}

	policy, err := pipeline.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}

	var eventBus *bus.Bus
	if cfg.NATSURL != "" {
		eventBus, err = bus.New(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer eventBus.Close()
	}

	var auditRecorder *audit.Recorder
	if eventBus != nil {
		auditRecorder, err = audit.NewRecorder(pool, eventBus)
		if err != nil {
			return fmt.Errorf("init audit recorder: %w", err)
		}
		if err := auditRecorder.Start(ctx); err != nil {
			return fmt.Errorf("start audit recorder: %w", err)
		}
		defer auditRecorder.Close()
	}

	engine, err := reasoning.NewClientFromEnv()
	if err != nil {
		return fmt.Errorf("init reasoning client: %w", err)
	}
	templates, err := render.New()
	if err != nil {
		return fmt.Errorf("init templates: %w", err)
	}

	platform, err := cloud.NewHTTPPlatform(cfg.PlatformURL, cfg.PlatformToken)
	if err != nil {
		return fmt.Errorf("init platform client: %w", err)
	}
	vcs, err := cloud.NewHTTPVCS(cfg.VCSURL, cfg.VCSToken)
	if err != nil {
		return fmt.Errorf("init vcs client: %w", err)
	}

	planner, err := stages.NewPlanner(engine, templates)
	if err != nil {
		return fmt.Errorf("init planner: %w", err)
	}
	implementer, err := stages.NewImplementer(engine, templates, vcs)
	if err != nil {
		return fmt.Errorf("init implementer: %w", err)
	}
	compliance, err := stages.NewComplianceValidator(engine, templates)
	if err != nil {
		return fmt.Errorf("init compliance validator: %w", err)
	}
	validators := []stages.Validator{compliance, stages.SecretScanValidator{}, stages.LintValidator{}}
	if cfg.CostBudget > 0 {
		cost, err := stages.NewCostValidator(platform, cfg.CostBudget)
		if err != nil {
			return fmt.Errorf("init cost validator: %w", err)
		}
		validators = append(validators, cost)
	}
	reviewer, err := stages.NewReviewer(validators...)
	if err != nil {
		return fmt.Errorf("init reviewer: %w", err)
	}
	deployer, err := stages.NewDeployer(platform)
	if err != nil {
		return fmt.Errorf("init deployer: %w", err)
	}

	archiverCfg := artifacts.StoreConfig{ORM: orm, Logger: logger}
	if cfg.S3Bucket != "" {
		s3Client, err := gos3.NewClientFromEnv()
		if err != nil {
			return fmt.Errorf("init s3 client: %w", err)
		}
		archiverCfg.S3 = s3Client
		archiverCfg.Bucket = cfg.S3Bucket

		signer, err := artifacts.NewSignerFromEnv()
		if err != nil {
			return fmt.Errorf("init record signer: %w", err)
		}
		archiverCfg.Signer = signer
	}
	archiver, err := artifacts.NewStore(archiverCfg)
	if err != nil {
		return fmt.Errorf("init artifact store: %w", err)
	}

	store, err := pipeline.NewGormStore(orm)
	if err != nil {
		return fmt.Errorf("init run store: %w", err)
	}

	coordinator, err := pipeline.NewCoordinator(pipeline.CoordinatorConfig{
		Store:     store,
		Policy:    policy,
		Executors: []pipeline.Executor{planner, implementer, reviewer, deployer},
		Bus:       eventBus,
		Archiver:  archiver,
		Metrics:   pipeline.NewMetrics(prometheus.DefaultRegisterer),
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("init coordinator: %w", err)
	}
	if err := coordinator.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	defer coordinator.Close()

	// Periodic sweep for approval gates that outlived their window.
	go func() {
		ticker := time.NewTicker(cfg.GateSweep)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := coordinator.ExpireGates(ctx); err != nil {
					logger.Printf("level=warn msg=\"gate sweep failed\" error=%q", err)
				}
			}
		}
	}()

	classifier := intent.NewClassifier(policy.QueryKeywords, policy.ChangeKeywords, nil)
	responder, err := intent.NewResponder(engine, templates)
	if err != nil {
		return fmt.Errorf("init responder: %w", err)
	}

	apiServer, err := api.NewServer(api.ServerConfig{
		Pipeline:   coordinator,
		Classifier: classifier,
		Responder:  responder,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("init api server: %w", err)
	}

	var ready atomic.Bool
	ready.Store(true)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: middleware(apiServer.Router(api.RouterOptions{Ready: ready.Load})),
	}

	go func() {
		<-ctx.Done()
		ready.Store(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: server shutdown error: %v\n", serviceName, err)
		}
	}()

	logger.Printf("INFO listening on %s", server.Addr)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Printf("ERROR server failed: %v", err)
		return err
	}

	return nil
}
