// Command smtpd is a multi-tenant SMTP server core: it accepts submissions
// from authenticated users, receives incoming mail for hosted domains, runs
// SPF/DKIM/DMARC checks on untrusted deliveries, signs outbound mail for
// verified domains and stores accepted messages in a delivery queue, one
// record per destination domain.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mjl-/sconf"

	"github.com/oonrumail/smtpd/auth"
	"github.com/oonrumail/smtpd/config"
	"github.com/oonrumail/smtpd/mlog"
	"github.com/oonrumail/smtpd/queue"
	"github.com/oonrumail/smtpd/smtpserver"
	"github.com/oonrumail/smtpd/store"
)

var configPath = flag.String("config", "smtpd.conf", "path to configuration file")
var logLevel = flag.String("loglevel", "", "if non-empty, overrides the log level from the configuration file")

func usage() {
	fmt.Fprintln(os.Stderr, "usage: smtpd [flags] serve")
	fmt.Fprintln(os.Stderr, "       smtpd config describe")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		args = []string{"serve"}
	}

	switch args[0] {
	case "serve":
		serve()
	case "config":
		if len(args) != 2 || args[1] != "describe" {
			usage()
		}
		if err := sconf.Describe(os.Stdout, config.Config{}); err != nil {
			fmt.Fprintf(os.Stderr, "describing config: %s\n", err)
			os.Exit(1)
		}
	default:
		usage()
	}
}

func serve() {
	log := mlog.New("main", nil)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalx("loading configuration", err, slog.String("path", *configPath))
	}

	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	loglevels := map[string]slog.Level{}
	l, ok := mlog.Levels[level]
	if !ok {
		log.Fatalx("parsing log level", fmt.Errorf("unknown level %q", level))
	}
	loglevels[""] = l
	for pkg, s := range cfg.PackageLogLevels {
		l, ok := mlog.Levels[s]
		if !ok {
			log.Fatalx("parsing log level for package", fmt.Errorf("unknown level %q", s), slog.String("pkg", pkg))
		}
		loglevels[pkg] = l
	}
	mlog.SetConfig(loglevels)

	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DataDir, mlog.New("store", nil))
	if err != nil {
		log.Fatalx("opening database", err)
	}
	domains, err := store.NewDomainCache(ctx, db, 5*time.Minute)
	if err != nil {
		log.Fatalx("loading domain cache", err)
	}
	q, err := queue.Open(ctx, cfg.DataDir, mlog.New("queue", nil))
	if err != nil {
		log.Fatalx("opening queue", err)
	}

	maxFailed := cfg.Auth.MaxFailedAttempts
	if maxFailed == 0 {
		maxFailed = 5
	}
	window := cfg.Auth.FailureWindow
	if window == 0 {
		window = 15 * time.Minute
	}
	authenticator := auth.New(db, maxFailed, window)

	// SPF/DKIM/DMARC verification and DKIM signing backends plug in here.
	// Without them, inbound checks report "none" and outbound mail goes out
	// unsigned.
	srv := smtpserver.New(cfg, db, domains, authenticator, q, smtpserver.Verifiers{})
	if err := srv.Listen(); err != nil {
		log.Fatalx("listening", err)
	}
	srv.Serve()

	for name, l := range cfg.Listeners {
		if !l.MetricsHTTP.Enabled {
			continue
		}
		port := config.Port(l.MetricsHTTP.Port, 8010)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		for _, ip := range l.IPs {
			addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
			log.Info("listening for metrics", slog.String("listener", name), slog.String("address", addr))
			go func() {
				server := &http.Server{Addr: addr, Handler: mux}
				log.Fatalx("serving metrics", server.ListenAndServe(), slog.String("address", addr))
			}()
		}
	}

	// Old login attempt records are cleaned up in the background.
	go func() {
		t := time.NewTicker(24 * time.Hour)
		defer t.Stop()
		for range t.C {
			if err := db.LoginAttemptCleanup(ctx); err != nil {
				log.Errorx("cleaning up old login attempts", err)
			}
		}
	}()

	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	log.Info("shutting down", slog.Any("signal", sig))

	shutctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	srv.Shutdown(shutctx)
	domains.Stop()
	if err := q.Close(); err != nil {
		log.Errorx("closing queue", err)
	}
	if err := db.Close(); err != nil {
		log.Errorx("closing database", err)
	}
}
