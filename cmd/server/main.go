package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"cluster-scheduler/api/rest/routes"
	"cluster-scheduler/config"
	"cluster-scheduler/core/autoscaler"
	"cluster-scheduler/core/events"
	"cluster-scheduler/core/executor"
	"cluster-scheduler/core/models"
	"cluster-scheduler/core/monitoring"
	"cluster-scheduler/core/registry"
	"cluster-scheduler/core/repository"
	"cluster-scheduler/core/scheduler"
	awsprovider "cluster-scheduler/providers/aws"
	"cluster-scheduler/providers/local"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if level, err := log.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		log.SetLevel(level)
	}

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	defer bus.Close()

	reg := registry.New(bus)
	sched := scheduler.New(reg, bus, nil, cfg.Intervals.Assignment.Std(), cfg.Scaling.AdmissionCeiling)
	reg.SetNodeDownHook(sched.HandleNodeDown)

	// Local job-executor stub; production deployments report outcomes
	// through Complete/Fail instead.
	localExec := executor.NewLocal(sched, func(nodeID string) float64 {
		node, err := reg.Get(nodeID)
		if err != nil {
			return 0
		}
		return node.Cost.HourlyRate
	})
	sched.SetExecutor(localExec)

	exporter := monitoring.NewExporter()
	agg := monitoring.NewAggregator(reg, sched, monitoring.Thresholds{
		CPUPercent:    cfg.Scaling.Threshold.CPU,
		MemoryPercent: cfg.Scaling.Threshold.Memory,
		ResponseTime:  cfg.Scaling.Threshold.ResponseTime.Std(),
	}, cfg.Intervals.Metrics.Std(), exporter)

	workerProfile := models.NodeSpec{
		Type:       cfg.Scaling.Worker.Type,
		Region:     firstRegion(cfg.Scaling.Regions),
		HourlyRate: cfg.Scaling.Worker.HourlyRate,
		Resources: models.Resources{
			CPUCores:    cfg.Scaling.Worker.CPUCores,
			MemoryGB:    cfg.Scaling.Worker.MemoryGB,
			StorageGB:   cfg.Scaling.Worker.StorageGB,
			NetworkGbps: cfg.Scaling.Worker.NetworkGbps,
		},
		Configuration: map[string]string{"instanceType": cfg.Scaling.Worker.InstanceType},
	}

	var provisioner autoscaler.Provisioner
	switch cfg.Provisioner {
	case "aws":
		awsClient, err := awsprovider.NewClient(ctx, cfg.AWSRegion, cfg.AWSImageID)
		if err != nil {
			log.WithError(err).Fatal("Failed to initialize AWS provisioner")
		}
		if rate := awsClient.HourlyRate(ctx, cfg.Scaling.Worker.InstanceType); rate > 0 {
			workerProfile.HourlyRate = rate
		}
		provisioner = awsClient
	default:
		provisioner = local.New(5 * time.Second)
	}

	asCfg := autoscaler.Config{
		MinInstances:         cfg.Scaling.MinInstances,
		MaxInstances:         cfg.Scaling.MaxInstances,
		CPUThreshold:         cfg.Scaling.Threshold.CPU,
		MemoryThreshold:      cfg.Scaling.Threshold.Memory,
		QueueLengthThreshold: cfg.Scaling.QueueLengthThreshold,
		EfficiencyFloor:      cfg.Scaling.EfficiencyFloor,
		ResponseCeiling:      cfg.Scaling.Threshold.ResponseTime.Std(),
		CooldownPeriod:       cfg.Scaling.CooldownPeriod.Std(),
		WorkerProfile:        workerProfile,
	}

	decisionLog := autoscaler.NewDecisionLog()
	engine := autoscaler.NewEngine(agg, reg, decisionLog, bus, asCfg, cfg.Intervals.Decision.Std())
	scalingExec := autoscaler.NewExecutor(reg, sched, provisioner, decisionLog, bus, asCfg)

	// Optional Postgres audit trail, fed off the event bus.
	if cfg.DatabaseURL != "" {
		db, err := repository.NewDB(cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to database")
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			log.WithError(err).Fatal("Failed to migrate audit schema")
		}
		recorder := repository.NewAuditRecorder(db, decisionLog)
		go recorder.Start(ctx, bus.Subscribe())
		log.Info("Audit trail enabled")
	}

	go sched.Start(ctx)
	go agg.Start(ctx)
	go engine.Start(ctx)
	go scalingExec.Start(ctx, engine.Decisions())

	r := mux.NewRouter()
	routes.Setup(r, reg, sched, agg, decisionLog, exporter)

	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	go func() {
		log.WithField("port", cfg.ServerPort).Info("Starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down")
	cancel()
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server shutdown failed")
	}
}

func firstRegion(regions []string) string {
	if len(regions) > 0 {
		return regions[0]
	}
	return "us-east-1"
}
