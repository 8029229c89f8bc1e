package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	cron "github.com/robfig/cron/v3"

	"github.com/kilnworks/fleetgate/internal/audit"
	"github.com/kilnworks/fleetgate/internal/authority"
	"github.com/kilnworks/fleetgate/internal/clock"
	"github.com/kilnworks/fleetgate/internal/config"
	"github.com/kilnworks/fleetgate/internal/enroll"
	"github.com/kilnworks/fleetgate/internal/events"
	"github.com/kilnworks/fleetgate/internal/ledger"
	"github.com/kilnworks/fleetgate/internal/logging"
	"github.com/kilnworks/fleetgate/internal/metrics"
	"github.com/kilnworks/fleetgate/internal/node"
	"github.com/kilnworks/fleetgate/internal/outbox"
	"github.com/kilnworks/fleetgate/internal/store"
	"github.com/kilnworks/fleetgate/internal/trust"
	"github.com/kilnworks/fleetgate/internal/web"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	fmt.Println("fleetgate " + version)
	fmt.Println("=============================================")
	fmt.Printf("FLEETGATE_LISTEN_ADDR=%s\n", cfg.ListenAddr)
	fmt.Printf("FLEETGATE_TRUST_ENABLED=%t\n", cfg.TrustEnabled)
	fmt.Printf("FLEETGATE_TRUST_DOMAIN=%s\n", cfg.SpiffeTrustDomain)
	fmt.Printf("FLEETGATE_RESERVATION_TTL=%s\n", cfg.ReservationTTL)
	fmt.Printf("FLEETGATE_SWEEP_SCHEDULE=%s\n", cfg.SweepSchedule)
	fmt.Printf("FLEETGATE_DB_PATH=%s\n", cfg.DBPath)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	pool, err := authority.LoadPool(cfg.CABundleFile)
	if err != nil {
		log.Error("failed to load CA bundle", "error", err)
		os.Exit(1)
	}

	clk := clock.Real{}

	recorder := audit.NewRecorder(db, clk, cfg.AuditBufferSize, cfg.AuditRetention, log)
	go recorder.Run(ctx)

	bus := events.New()
	enrollSvc, err := enroll.New(db, pool, recorder, bus, clk, cfg.EnrollmentSecret, cfg.EnrollmentTokenTTL, cfg.SpiffeTrustDomain, log)
	if err != nil {
		log.Error("failed to build enrollment service", "error", err)
		os.Exit(1)
	}

	nodes := node.New(db, recorder, bus, clk, log)
	capLedger := ledger.New(db, recorder, bus, clk, cfg.ReservationTTL, log)
	sweeper := ledger.NewSweeper(db, bus, clk, cfg.SweepBatchSize, log)
	validator := trust.NewValidator(pool, trust.ValidatorConfig{
		TrustDomain:  cfg.SpiffeTrustDomain,
		AllowExpired: cfg.AllowExpiredCerts,
	}, clk, log)

	var wg sync.WaitGroup

	// Scheduled background work: reservation expiry, audit retention and,
	// when configured, the node_exporter textfile dump.
	sched := cron.New()
	if _, err := sched.AddFunc(cfg.SweepSchedule, func() { sweeper.Run(ctx) }); err != nil {
		log.Error("failed to schedule expiry sweep", "error", err)
		os.Exit(1)
	}
	if _, err := sched.AddFunc(cfg.RetentionSchedule, func() { recorder.Purge(ctx) }); err != nil {
		log.Error("failed to schedule audit retention", "error", err)
		os.Exit(1)
	}
	if cfg.MetricsTextfile != "" {
		if _, err := sched.AddFunc("@every 1m", func() {
			if err := metrics.WriteTextfile(cfg.MetricsTextfile); err != nil {
				log.Warn("metrics textfile write failed", "error", err)
			}
		}); err != nil {
			log.Error("failed to schedule metrics textfile", "error", err)
			os.Exit(1)
		}
	}
	sched.Start()

	// Event relay is optional; without a broker, outbox records accumulate
	// until one is configured.
	var mqttClient mqtt.Client
	if cfg.MQTTBroker != "" {
		opts := mqtt.NewClientOptions().
			AddBroker(cfg.MQTTBroker).
			SetClientID(cfg.MQTTClientID).
			SetUsername(cfg.MQTTUsername).
			SetPassword(cfg.MQTTPassword).
			SetAutoReconnect(true).
			SetConnectRetry(true)
		mqttClient = mqtt.NewClient(opts)
		if tok := mqttClient.Connect(); tok.WaitTimeout(10*time.Second) && tok.Error() != nil {
			// Retry is on, so a slow broker is tolerated; a hard error
			// (bad credentials, bad URL) is not.
			log.Error("mqtt connect failed", "broker", cfg.MQTTBroker, "error", tok.Error())
			os.Exit(1)
		}
		relay := outbox.New(db, mqttClient, cfg.MQTTTopic, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			relay.Run(ctx)
		}()
		log.Info("event relay enabled", "broker", cfg.MQTTBroker, "topic", cfg.MQTTTopic)
	}

	srv := web.NewServer(web.Dependencies{
		Config:    cfg,
		Enroll:    enrollSvc,
		Nodes:     nodes,
		Ledger:    capLedger,
		Audit:     recorder,
		Validator: validator,
		Directory: db,
		EventBus:  bus,
		Log:       log,
	})
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("web server error", "error", err)
			cancel()
		}
	}()

	log.Info("fleetgate started", "version", version)
	<-ctx.Done()

	// Shutdown order: stop accepting requests, stop schedules, let the
	// relay finish its pass, then drain the audit buffer.
	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("web server shutdown", "error", err)
	}
	<-sched.Stop().Done()
	wg.Wait()
	if mqttClient != nil {
		mqttClient.Disconnect(250)
	}
	recorder.Wait()

	log.Info("fleetgate shutdown complete")
}
