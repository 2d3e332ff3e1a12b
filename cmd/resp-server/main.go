package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/respkit/go-resp-server/internal/metrics"
	"github.com/respkit/go-resp-server/internal/repl"
	"github.com/respkit/go-resp-server/internal/server"
	"github.com/respkit/go-resp-server/internal/store"
)

func main() { os.Exit(run(os.Args[1:])) }

func run(argv []string) int {
	cfg, showVersion, err := parseFlags(argv, os.Stderr)
	if showVersion {
		fmt.Printf("resp-server %s (commit %s, built %s)\n", version, commit, date)
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	primaryAddr, _ := cfg.primaryAddr()
	role := repl.RolePrimary
	if primaryAddr != "" {
		role = repl.RoleSecondary
	}
	info := repl.ServerInfo{
		Host:       cfg.host,
		Port:       cfg.port,
		Role:       role,
		Repl:       repl.NewInfo(primaryAddr),
		Dir:        cfg.dir,
		DBFilename: cfg.dbFilename,
	}
	l.Info("replication_config", "role", role.String(), "repl_id", info.Repl.ID, "primary", primaryAddr)

	db := store.New()
	bus := repl.NewBus()
	bus.BufSize = cfg.busBuffer

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	var exitCode atomic.Int32
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	srv := server.NewServer(
		server.WithListenAddr(net.JoinHostPort(cfg.host, cfg.port)),
		server.WithStore(db),
		server.WithBus(bus),
		server.WithServerInfo(info),
		server.WithLogger(l),
		server.WithMaxClients(cfg.maxClients),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.clientReadTO),
	)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("tcp_server_error", "error", err)
			exitCode.Store(1)
			cancel()
		}
	}()

	if role == repl.RoleSecondary {
		go func() {
			// a lost primary link terminates the replica; no auto-reconnect
			if err := srv.ConnectPrimary(ctx); err != nil {
				l.Error("primary_link_error", "error", err)
				exitCode.Store(1)
			}
			cancel()
		}()
	}

	// Start mDNS advertisement once the listener is ready.
	go func() {
		if !cfg.mdnsEnable {
			return
		}
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		port := listenPort(srv.Addr())
		cleanupMDNS, err := startMDNS(ctx, cfg, role.String(), port)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case <-ctx.Done():
	}
	cancel()

	shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shCancel()
	if err := srv.Shutdown(shCtx); err != nil {
		l.Warn("shutdown_error", "error", err)
	}
	db.Close()
	wg.Wait()
	return int(exitCode.Load())
}

// listenPort extracts the numeric port from a bound host:port address.
func listenPort(addr string) int {
	if _, p, err := net.SplitHostPort(addr); err == nil {
		if n, err := net.LookupPort("tcp", p); err == nil {
			return n
		}
	}
	return 0
}
