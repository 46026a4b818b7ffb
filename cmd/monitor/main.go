// Package main: monitor service.
//
// The monitor tracks the burner wallets listed in the registry and tops them up from the master account whenever
// their balance drops below the threshold. Run with -c to read a config file and -m to serve the ops API (/health
// and Prometheus /metrics).
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kaanhar/auto-topup-burner-wallets/lib/block"
	"github.com/kaanhar/auto-topup-burner-wallets/lib/config"
	"github.com/kaanhar/auto-topup-burner-wallets/lib/logger"
	"github.com/kaanhar/auto-topup-burner-wallets/lib/msg"
	"github.com/kaanhar/auto-topup-burner-wallets/lib/msg/amqp"
	"github.com/kaanhar/auto-topup-burner-wallets/lib/store/db"
	"github.com/kaanhar/auto-topup-burner-wallets/monitor"
	"github.com/kaanhar/auto-topup-burner-wallets/monitor/inflight"
	"github.com/kaanhar/auto-topup-burner-wallets/topup"
)

func main() {
	// get command line flags
	confPath := flag.String("c", "", "flag to get configuration from a json or yaml file")
	ops := flag.Bool("m", false, "flag to serve /health and Prometheus /metrics on the metrics address")
	flag.Parse()

	// extract configuration
	conf, err := config.ExtractConfiguration(*confPath)
	if err != nil {
		panic(err)
	}

	log, err := logger.New(conf.LogDir, conf.LogLevel)
	if err != nil {
		panic(err)
	}

	defer func() { _ = log.Sync() }()

	if err = conf.Validate(); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}

	log.Info("Configuration loaded",
		zap.String("network", conf.Bc.Name),
		zap.String("rpc", conf.Bc.Node),
		zap.Duration("interval", conf.CheckInterval),
		zap.String("threshold", conf.Threshold.String()),
		zap.String("amount", conf.TopUpAmount.String()),
		zap.String("registry", conf.RegistryType),
		zap.String("audit", conf.AuditType))

	// blockchain client
	chain, err := block.Init(conf.Bc, log)
	if err != nil {
		log.Fatal("Cannot load blockchain client", zap.Error(err))
	}
	defer block.End(chain)

	log.Info("Blockchain client loaded", zap.String("master", chain.Master()))

	// stores
	reg, err := db.NewRegistry(conf.RegistryType, conf.DBConn, conf.WalletsPath)
	if err != nil {
		log.Fatal("Cannot open wallet registry", zap.Error(err))
	}
	defer closeStore(log, reg)

	audit, err := db.NewAuditLog(conf.AuditType, conf.DBConn, conf.AuditPath)
	if err != nil {
		log.Fatal("Cannot open audit log", zap.Error(err))
	}
	defer closeStore(log, audit)

	// message broker
	var mb msg.MsgBroker

	switch conf.MbType {
	case "amqp":
		r, err := amqp.New(conf.MbConn, log)
		if err != nil {
			time.Sleep(10 * time.Second) // wait 10s for AMQP to be ready and try to reconnect
			if r, err = amqp.New(conf.MbConn, log); err != nil {
				log.Fatal("Cannot connect to message broker", zap.Error(err))
			}
		}

		if err = r.Setup(nil); err != nil {
			log.Fatal("Cannot set up message broker", zap.Error(err))
		}

		defer func() {
			if err := r.Close(); err != nil {
				log.Warn("Closing message broker", zap.Error(err))
			}
		}()

		mb = r
	case "":
	default:
		log.Warn("Unknown message broker type, events disabled", zap.String("type", conf.MbType))
	}

	// in-flight guard
	var guard inflight.Guard = inflight.NewMemory()

	if conf.GuardType == "redis" {
		rc, err := inflight.NewRedisClient(context.Background(), conf.RedisURL)
		if err != nil {
			log.Fatal("Cannot connect to redis", zap.Error(err))
		}
		defer rc.Close()

		guard = inflight.NewRedis(rc, "topup:inflight:", conf.Bc.ConfirmTimeout+time.Minute)
	}

	exec := topup.New(topup.Params{
		Chain:          chain,
		Audit:          audit,
		Guard:          guard,
		Broker:         mb,
		Net:            conf.Bc.Name,
		Amount:         conf.TopUpAmount,
		Reserve:        conf.FeeReserve,
		ConfirmTimeout: conf.Bc.ConfirmTimeout,
		Log:            log,
		Registerer:     prometheus.DefaultRegisterer,
	})

	mon := monitor.New(monitor.Params{
		Chain:            chain,
		Registry:         reg,
		Audit:            audit,
		Executor:         exec,
		Broker:           mb,
		Net:              conf.Bc.Name,
		Threshold:        conf.Threshold,
		CheckInterval:    conf.CheckInterval,
		RateLimitBackoff: conf.RateLimitBackoff,
		TopUpPause:       conf.TopUpPause,
		ReadRate:         conf.ReadRate,
		MasterReportCron: conf.MasterReportCron,
		Log:              log,
		Registerer:       prometheus.DefaultRegisterer,
	})

	// capture CTRL+C or docker's SIGTERM for gracious exit
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutting down monitor")
		cancel()
	}()

	if *ops {
		mon.Serve(ctx, conf.MetricsAddr, prometheus.DefaultGatherer)
	}

	if mb != nil {
		if err = mon.ManageWalletRequests(ctx); err != nil {
			log.Error("Cannot manage wallet requests", zap.Error(err))
		}
	}

	log.Info("Starting monitor")
	mon.Run(ctx)
}

func closeStore(log *zap.Logger, s interface{}) {
	if err := db.Close(s); err != nil {
		log.Warn("Closing store", zap.Error(err))
	}
}
