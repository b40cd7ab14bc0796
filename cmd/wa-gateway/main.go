package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Faiqzakii/wa-gateway/config"
	"github.com/Faiqzakii/wa-gateway/internal/app"
	"github.com/Faiqzakii/wa-gateway/internal/gatewayapi"
	"github.com/Faiqzakii/wa-gateway/internal/guard"
	"github.com/Faiqzakii/wa-gateway/internal/realtime"
	"github.com/Faiqzakii/wa-gateway/internal/recorder"
	"github.com/Faiqzakii/wa-gateway/internal/scheduler"
	"github.com/Faiqzakii/wa-gateway/internal/session"
	"github.com/Faiqzakii/wa-gateway/internal/wameow"
	"github.com/Faiqzakii/wa-gateway/internal/webhook"
	"github.com/Faiqzakii/wa-gateway/internal/webserver"
)

var (
	conffile = flag.String("c", "", "config file")
	initdb   = flag.Bool("initdb", false, "drop and recreate all tables")
)

func main() {
	flag.Parse()

	cfg := config.LoadConfig(*conffile)
	cfg.InitDirs()

	application := app.NewApplication(cfg)
	application.Init(cfg)

	if *initdb {
		application.InitDb()
		zap.L().Info("database initialized")
		return
	}

	hub := realtime.NewHub()
	notifier := webhook.NewNotifier(cfg.Webhook.URL, time.Duration(cfg.Webhook.Timeout)*time.Second, application)

	connector := wameow.NewConnector(cfg.Whatsapp.StoreDir)
	creds := wameow.NewFileCredentialStore(cfg.Whatsapp.StoreDir)

	sessionCfg := session.DefaultConfig()
	sessionCfg.KeepaliveInterval = time.Duration(cfg.Whatsapp.KeepaliveInterval) * time.Second
	registry := session.NewRegistry(sessionCfg, connector, creds)

	rec := recorder.NewRecorder(application.DB(), hub, notifier, application)
	registry.Attach(rec, hub, notifier)
	application.ScheduleMaintenance(rec)

	sched := scheduler.NewScheduler(application.DB(), registry)
	sched.Start()

	g := guard.NewGuard(cfg.Guard.TrustedCidrs)
	g.Start()

	webserver.Init(cfg, g, hub)
	gatewayapi.Setup(application.DB(), registry, sched, rec, hub)

	if cfg.Whatsapp.Preload {
		go registry.Preload(context.Background())
	}

	go func() {
		if err := webserver.Listen(); err != nil {
			zap.L().Error("webserver stopped", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	zap.L().Info("shutting down")
	sched.Stop()
	g.Stop()
	registry.Shutdown()
	notifier.Release()
	hub.Release()
	application.Release()
}
