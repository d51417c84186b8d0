// Command vmshiftd is a demo binary exercising the session package end to
// end: it drives whichever session mode config.Parse selects over an empty
// state-entry registry (no entries are registered), adapted from the teacher's main.go
// (which drove a single machine.New/LoadLinux boot path instead of a
// configurable session mode).
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/vmshift/vmshift/colo"
	"github.com/vmshift/vmshift/config"
	"github.com/vmshift/vmshift/internal/xlog"
	"github.com/vmshift/vmshift/metrics"
	"github.com/vmshift/vmshift/migration"
	"github.com/vmshift/vmshift/postcopy"
	"github.com/vmshift/vmshift/session"
)

func main() {
	cfg, err := config.Parse(os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	sessionID := session.NewSessionID()
	log := xlog.New(sessionID)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	log.Infof("starting %s session %s", cfg.Mode, sessionID)

	g := new(errgroup.Group)

	metricsSrv := &http.Server{Addr: ":9090", Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}

	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		defer metricsSrv.Shutdown(context.Background())

		return run(cfg, log, m)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Errorf("session failed")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *xlog.Logger, m *metrics.Metrics) error {
	switch cfg.Mode {
	case config.ModeSource:
		return runSource(cfg, log, m)
	case config.ModeDestination:
		return runDestination(cfg, log, m)
	case config.ModeColoPrimary:
		return runColoPrimary(cfg, log, m)
	case config.ModeColoSecondary:
		return runColoSecondary(cfg, log, m)
	default:
		return fmt.Errorf("unhandled mode %q", cfg.Mode)
	}
}

func runSource(cfg *config.Config, log *xlog.Logger, m *metrics.Metrics) error {
	conn, err := net.Dial("tcp", cfg.ConnectAddr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.ConnectAddr, err)
	}

	defer conn.Close()

	// Open the return path (§4.3) as a second connection to the same
	// address, before any precopy data flows, so the destination's second
	// Accept (runDestination) isn't left waiting behind a stalled main
	// conn once precopy traffic starts.
	var rp *migration.ReturnPath
	if cfg.Postcopy {
		rpConn, err := net.Dial("tcp", cfg.ConnectAddr)
		if err != nil {
			return fmt.Errorf("dial return path %s: %w", cfg.ConnectAddr, err)
		}

		defer rpConn.Close()

		rp = migration.OpenReturnPath(migration.NewReadStream(rpConn))
	}

	reg := migration.NewRegistry(0)
	sv := migration.NewSaver(reg, migration.NewRateLimiter(0, 0), cfg.Postcopy)
	src := session.NewSource(sv, log, m)
	src.DiscardScratchPairs = cfg.DiscardScratchSize / 16

	s := migration.NewWriteStream(conn)

	if err := src.Run(s, migration.MigrationParams{}); err != nil {
		return err
	}

	if cfg.Postcopy {
		if err := src.RunPostcopy(s, rp, nil); err != nil {
			return err
		}
	}

	if cfg.ControlSocket {
		path, err := session.StartControlSocket(func(addr string) error {
			c, err := net.Dial("tcp", addr)
			if err != nil {
				return err
			}

			defer c.Close()

			return session.NewSource(sv, log, m).Run(migration.NewWriteStream(c), migration.MigrationParams{})
		}, log)
		if err != nil {
			return err
		}

		log.Infof("control socket listening at %s", path)
	}

	return nil
}

func runDestination(cfg *config.Config, log *xlog.Logger, m *metrics.Metrics) error {
	l, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}

	defer l.Close()

	conn, err := l.Accept()
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}

	defer conn.Close()

	reg := migration.NewRegistry(0)

	var pc *postcopy.Destination
	if cfg.Postcopy {
		// Accept the second connection the source opens for the return
		// path (§4.3) before driving the main load, so pc.pumpFaults has
		// somewhere real to send page requests.
		rpConn, err := l.Accept()
		if err != nil {
			return fmt.Errorf("accept return path: %w", err)
		}

		defer rpConn.Close()

		rp := migration.OpenReturnPath(migration.NewWriteStream(rpConn))

		pc = postcopy.NewDestination(postcopy.NewHostBackend(), nil, rp, nil)
		pc.Metrics = m
	}

	dst := session.NewDestination(reg, pc, log)

	return dst.Run(migration.NewReadStream(conn), nil)
}

func runColoPrimary(cfg *config.Config, log *xlog.Logger, m *metrics.Metrics) error {
	conn, err := net.Dial("tcp", cfg.ConnectAddr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.ConnectAddr, err)
	}

	defer conn.Close()

	reg := migration.NewRegistry(0)
	sv := migration.NewSaver(reg, nil, false)
	src := session.NewSource(sv, log, m)
	failover := &colo.FailoverController{}

	hooks := colo.Hooks{
		StopVM:          func() error { return nil },
		ResumeVM:        func() error { return nil },
		BlockCheckpoint: func() error { return nil },
		StopReplication: func() error { return nil },
	}

	return session.RunColoPrimary(migration.NewStream(conn), src, failover, hooks, m, cfg.CheckpointDelay)
}

func runColoSecondary(cfg *config.Config, log *xlog.Logger, m *metrics.Metrics) error {
	l, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}

	defer l.Close()

	conn, err := l.Accept()
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}

	defer conn.Close()

	reg := migration.NewRegistry(0)
	dst := session.NewDestination(reg, nil, log)
	failover := &colo.FailoverController{}

	hooks := colo.Hooks{
		StopVM:          func() error { return nil },
		ResumeVM:        func() error { return nil },
		BlockCheckpoint: func() error { return nil },
		Shutdown:        func() error { return nil },
	}

	return session.RunColoSecondary(migration.NewStream(conn), dst, failover, hooks)
}
