package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/marketplace/integrity-engine/configs"
	"github.com/marketplace/integrity-engine/internal/audit"
	"github.com/marketplace/integrity-engine/internal/queue"
	"github.com/marketplace/integrity-engine/internal/repositories"
	"github.com/marketplace/integrity-engine/internal/risk"
	"github.com/marketplace/integrity-engine/internal/rules"
	"github.com/marketplace/integrity-engine/internal/services"
	"github.com/marketplace/integrity-engine/internal/withdrawal"
)

// The sweeper owns everything scheduled: pause-expiry auto-approval,
// the monthly risk reset, daily and weekly audit reports, and the
// audit stream consumer pool. All jobs are safe to re-run, so a crash
// mid-cycle only delays work.
func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := configs.Load()

	setupLogging(cfg.Server.Environment)

	log.Info().
		Str("environment", cfg.Server.Environment).
		Dur("sweep_interval", cfg.Sweeper.PauseSweepInterval).
		Msg("Starting Integrity Engine Sweeper")

	// Initialize database
	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Initialize Redis
	streamClient, err := queue.NewAuditStreamClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis Stream")
	}
	defer streamClient.Close()

	cacheClient, err := queue.NewCacheClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis Cache")
	}
	defer cacheClient.Close()

	// Initialize repositories
	auditRepo := repositories.NewAuditRepository(db)
	riskRepo := repositories.NewRiskProfileRepository(db)
	walletRepo := repositories.NewWalletRepository(db)
	withdrawalRepo := repositories.NewWithdrawalRepository(db)
	activityRepo := repositories.NewActivityRepository(db)
	kycRepo := repositories.NewKYCRepository(db)
	reviewRepo := repositories.NewReviewQueueRepository(db)
	restrictionRepo := repositories.NewRestrictionRepository(db)

	// Initialize services
	ruleCfg := rules.Default()
	notifier := services.NewReviewerNotifier(cacheClient)
	payoutService := services.NewPayoutService(db)

	monitor := audit.NewMonitor(ruleCfg, auditRepo, streamClient, restrictionRepo, notifier)
	reporter := audit.NewReporter(auditRepo, notifier)
	riskEngine := risk.NewEngine(ruleCfg, activityRepo, riskRepo, cacheClient, monitor)
	withdrawalManager := withdrawal.NewManager(ruleCfg, withdrawalRepo, walletRepo, kycRepo,
		payoutService, riskEngine, reviewRepo, cacheClient, monitor)

	streamWorker := audit.NewWorker("sweeper", streamClient, cacheClient, audit.DefaultWorkerConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	go runPauseSweep(ctx, withdrawalManager, cfg.Sweeper.PauseSweepInterval)
	go runDailyJobs(ctx, reporter, riskEngine, cfg.Sweeper.DailyReportHourUTC)

	// The stream worker blocks until shutdown.
	if err := streamWorker.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Audit stream worker error")
	}

	log.Info().Msg("Sweeper shutdown complete")
}

// runPauseSweep auto-approves MEDIUM/HIGH withdrawals whose pause
// window elapsed. CRITICAL requests are never touched here.
func runPauseSweep(ctx context.Context, manager *withdrawal.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			approved, err := manager.SweepExpiredPauses(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Pause sweep failed")
				continue
			}
			if approved > 0 {
				log.Info().Int("approved", approved).Msg("Pause sweep auto-approved withdrawals")
			}
		}
	}
}

// runDailyJobs fires once per day at reportHour UTC: the daily report
// always, the weekly report on Mondays, the risk reset on the 1st.
func runDailyJobs(ctx context.Context, reporter *audit.Reporter, engine *risk.Engine, reportHour int) {
	for {
		now := time.Now().UTC()
		next := time.Date(now.Year(), now.Month(), now.Day(), reportHour, 0, 0, 0, time.UTC)
		if !next.After(now) {
			next = next.Add(24 * time.Hour)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
		}

		runAt := time.Now().UTC()

		if report, err := reporter.DailyReport(ctx, runAt); err != nil {
			log.Error().Err(err).Msg("Daily report failed")
		} else {
			log.Info().
				Str("date", report.Date).
				Int("validations", report.TotalValidations).
				Int("violations", report.ViolationCount).
				Int("anomalies", report.AnomalyCount).
				Msg("Daily report generated")
		}

		if runAt.Weekday() == time.Monday {
			if report, err := reporter.WeeklyReport(ctx, runAt); err != nil {
				log.Error().Err(err).Msg("Weekly report failed")
			} else {
				log.Info().
					Str("week_start", report.WeekStart).
					Int("violations", report.ViolationCount).
					Msg("Weekly report generated")
			}
		}

		if runAt.Day() == 1 {
			if reset, err := engine.ResetMonthlyScores(ctx); err != nil {
				log.Error().Err(err).Msg("Monthly risk reset failed")
			} else {
				log.Info().Int("profiles", reset).Msg("Monthly risk scores reset")
			}
		}
	}
}

func setupLogging(env string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
