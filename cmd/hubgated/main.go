package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hubgate/hubgate/pkg/config"
	"github.com/hubgate/hubgate/pkg/dispatch"
	"github.com/hubgate/hubgate/pkg/fragment"
	"github.com/hubgate/hubgate/pkg/logger"
	"github.com/hubgate/hubgate/pkg/metrics"
	"github.com/hubgate/hubgate/pkg/microservice"
	"github.com/hubgate/hubgate/pkg/registry"
	"github.com/hubgate/hubgate/pkg/resilient"
	"github.com/hubgate/hubgate/pkg/rest"
	"github.com/hubgate/hubgate/pkg/session"
	"github.com/hubgate/hubgate/pkg/sockets"
	"github.com/hubgate/hubgate/pkg/store"
	"github.com/hubgate/hubgate/pkg/worker"
)

func main() {
	configPath := flag.String("config", "hubgate.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "hubgated:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.SetLevel(cfg.LogLevel)
	logger.InfoCF("main", "starting", map[string]interface{}{
		"server": cfg.ServerName, "port": cfg.Port, "pool_size": cfg.PoolSize,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.OpenSQLite(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	authority := session.NewAuthority(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Timeout)
	opaque := session.NewOpaqueSessions(st, cfg.SessionDocumentName, cfg.InitialSessionTimeout)

	fragments, err := fragment.New(cfg.WebServerRootPath)
	if err != nil {
		return fmt.Errorf("fragment service: %w", err)
	}

	var queue *resilient.Queue
	if cfg.Resilient.Enabled {
		queue = resilient.New(st, cfg.Resilient.DocumentName, time.Duration(cfg.Resilient.KeepPeriod)*time.Second)
		collector := resilient.NewCollector(queue,
			time.Duration(cfg.Resilient.GCInterval)*time.Second, cfg.Resilient.GCSchedule)
		go collector.Run(ctx)
	}

	reg := registry.New()
	if err := registerApplications(reg); err != nil {
		return fmt.Errorf("register applications: %w", err)
	}

	router := &dispatch.Router{
		Registry:     reg,
		Authority:    authority,
		Opaque:       opaque,
		Fragments:    fragments,
		Queue:        queue,
		Store:        st,
		LockSessions: cfg.Lock.Enabled,
		LockDocument: cfg.SessionDocumentName,
		LockTimeout:  cfg.LockTimeout(),
	}

	pool := worker.NewPool(router, cfg.PoolSize)
	pool.Start()
	defer pool.Stop()

	m := metrics.New()

	var proxy *microservice.Proxy
	if len(cfg.Destinations) > 0 || len(cfg.Routes) > 0 {
		table, err := microservice.Build(cfg, pool.Crypto(), m)
		if err != nil {
			return fmt.Errorf("microservice table: %w", err)
		}
		table.Start(ctx)
		proxy = microservice.NewProxy(table)
	}

	hub := sockets.NewHub(pool, queue, proxy, m)
	go hub.Run(ctx)

	server := rest.New(cfg, pool, proxy, hub, m)
	return server.ListenAndServe(ctx)
}

// registerApplications installs the process's handler modules. Deployments
// embed their applications here; the monitor module ships with the server.
func registerApplications(reg *registry.Registry) error {
	return reg.Register("hubgate-monitor", monitorModule())
}
