// Package session wires the migration, postcopy, and colo packages into the
// orchestration layer a real binary calls, grounded in the teacher's
// vmm/migrate.go phase structure (pre-copy loop → pause → finalize →
// wait-for-ready) and its StartControlSocket text protocol (§4.10).
package session

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vmshift/vmshift/colo"
	"github.com/vmshift/vmshift/internal/xlog"
	"github.com/vmshift/vmshift/metrics"
	"github.com/vmshift/vmshift/migration"
	"github.com/vmshift/vmshift/postcopy"
)

// NewSessionID returns a fresh identifier for tagging a session's log
// lines (xlog.New) and control-socket replies, short enough to read in a
// log line (first 8 hex characters of a UUIDv4, matching the truncation
// idiom other VM control planes in the ecosystem use for the same purpose).
func NewSessionID() string {
	return uuid.New().String()[:8]
}

// Source drives the sending side of a migration: the savevm state machine,
// with an optional flip to postcopy once non-postcopiable pending bytes
// drop to or below FlipThreshold (§4.4 step 6, §4.6 step 1).
type Source struct {
	Saver *migration.Saver

	// FlipThreshold, if non-zero, ends the iterate phase early — before
	// every entry reports done — once Saver.Pending's non-postcopiable
	// total drops to or below it, handing the remainder to postcopy.
	FlipThreshold uint64

	// DiscardScratchPairs, if non-zero, overrides the postcopy discard
	// batch size handed to postcopy.Source (config.Config.DiscardScratchSize,
	// §4.13).
	DiscardScratchPairs int

	log *xlog.Logger
	m   *metrics.Metrics
}

// NewSource builds a Source driving sv.
func NewSource(sv *migration.Saver, log *xlog.Logger, m *metrics.Metrics) *Source {
	return &Source{Saver: sv, log: log, m: m}
}

// Run drives begin/iterate/complete over s, per §4.4. It returns once
// Complete has written SECTION_FULL for every non-postcopiable entry (or
// every entry, if postcopy was never requested).
func (src *Source) Run(s *migration.Stream, params migration.MigrationParams) error {
	log := src.log.Phase("precopy")
	log.Infof("savevm begin")

	s.WithMetrics(src.m)

	if err := src.Saver.Begin(s, params); err != nil {
		return fmt.Errorf("Begin: %w", err)
	}

	for {
		allDone, err := src.Saver.IteratePass(s)
		if err != nil {
			return fmt.Errorf("IteratePass: %w", err)
		}

		if allDone {
			break
		}

		if src.FlipThreshold > 0 {
			nonPostcopiable, _ := src.Saver.Pending(1 << 30)
			if nonPostcopiable <= src.FlipThreshold {
				log.Infof("flipping to postcopy: %d bytes non-postcopiable remaining", nonPostcopiable)

				break
			}
		}

		time.Sleep(time.Millisecond)
	}

	log.Infof("savevm complete")

	return src.Saver.Complete(s, nil)
}

// RunPostcopy hands RAM transfer to postcopy after Run returns, driving the
// source-side ADVISE/LISTEN/RUN/END sequence and the deferred
// CompletePostcopiable device state (§4.6 step 3). rp, if non-nil, is the
// return path opened for this session (§4.3): RunPostcopy announces it with
// CmdOpenRP on the forward stream and pumps incoming request-pages commands
// in the background for the life of the call. A nil rp means the caller has
// not wired a return path; ADVISE/LISTEN/RUN/END still proceed (matching
// §4.7's state machine, which does not require a return path to exist), but
// the destination's fault thread will have nothing to request pages on.
func (src *Source) RunPostcopy(s *migration.Stream, rp *migration.ReturnPath, discard func(*postcopy.Source) error) error {
	log := src.log.Phase("postcopy")
	ps := postcopy.NewSource(s)
	ps.Metrics = src.m
	ps.MaxBatchPairs = src.DiscardScratchPairs

	if rp != nil {
		if err := migration.SendCommand(s, migration.CmdOpenRP, nil); err != nil {
			return err
		}

		go src.pumpReturnPath(rp)
	}

	if err := ps.Advise(); err != nil {
		return err
	}

	if discard != nil {
		if err := discard(ps); err != nil {
			return err
		}
	}

	log.Infof("listening for page requests")

	if err := ps.Listen(); err != nil {
		return err
	}

	if err := ps.Run(); err != nil {
		return err
	}

	if err := src.Saver.CompletePostcopiable(s); err != nil {
		return err
	}

	log.Infof("postcopy complete")

	return ps.End(0)
}

// pumpReturnPath reads request-pages commands off rp until it errors (the
// connection closed, normally when End's deferred teardown fires), logging
// each one. Actually serving the requested page is outside this repo's
// scope (§2: producing RAM content belongs to the caller's device model,
// not this protocol library), so this is observability only.
func (src *Source) pumpReturnPath(rp *migration.ReturnPath) {
	log := src.log.Phase("postcopy")

	var lastName string

	for {
		ch, err := rp.Next()
		if err != nil {
			return
		}

		if ch.Cmd != migration.CmdRequestPages {
			continue
		}

		name, offset, length, err := migration.DecodeRequestPages(ch.Payload, lastName)
		if err != nil {
			log.WithError(err).Warnf("malformed request-pages payload")

			continue
		}

		lastName = name

		log.Debugf("page requested: block=%s offset=%d length=%d", name, offset, length)
	}
}

// Destination drives the receiving side of a migration: the loadvm state
// machine, handing POSTCOPY_* commands to a postcopy.Destination when one
// arrives (§4.5, §4.7).
type Destination struct {
	Loader *migration.Loader
	PC     *postcopy.Destination

	log *xlog.Logger
}

// NewDestination builds a Destination. pc may be nil for a session that
// never expects postcopy commands.
func NewDestination(reg *migration.Registry, pc *postcopy.Destination, log *xlog.Logger) *Destination {
	var handler migration.CommandHandler
	if pc != nil {
		handler = pc
	}

	return &Destination{Loader: migration.NewLoader(reg, handler), PC: pc, log: log}
}

// Run drives the loadvm main loop to completion and then, if postInit is
// non-nil, runs it (§4.5's "run post-init hooks that synchronize CPU
// state").
func (d *Destination) Run(s *migration.Stream, postInit func() error) error {
	d.log.Phase("loadvm").Infof("load begin")

	return d.Loader.Load(s, postInit)
}

// controlSocketPath returns the Unix socket path for the given PID,
// adapted from the teacher's vmm.controlSocketPath.
func controlSocketPath(pid int) string {
	return fmt.Sprintf("/tmp/vmshiftd-%d.sock", pid)
}

// StartControlSocket listens on a Unix domain socket accepting a single
// newline-terminated command:
//
//	MIGRATE <addr>   – dial addr and run a Source session against it.
//
// It returns the socket path.
func StartControlSocket(dial func(addr string) error, log *xlog.Logger) (string, error) {
	path := controlSocketPath(os.Getpid())

	l, err := net.Listen("unix", path)
	if err != nil {
		return "", fmt.Errorf("control socket: %w", err)
	}

	go func() {
		defer os.Remove(path)

		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}

			go handleControl(conn, dial, log)
		}
	}()

	return path, nil
}

func handleControl(conn net.Conn, dial func(addr string) error, log *xlog.Logger) {
	defer conn.Close()

	buf := new(strings.Builder)
	tmp := make([]byte, 256)

	for {
		n, err := conn.Read(tmp)
		if n > 0 {
			buf.Write(tmp[:n])
		}

		if err != nil {
			break
		}

		if strings.Contains(buf.String(), "\n") {
			break
		}
	}

	line := strings.TrimSpace(buf.String())

	if !strings.HasPrefix(line, "MIGRATE ") {
		_, _ = conn.Write([]byte("ERROR unknown command\n"))

		return
	}

	addr := strings.TrimSpace(strings.TrimPrefix(line, "MIGRATE "))

	if err := dial(addr); err != nil {
		log.WithError(err).Errorf("migration to %q failed", addr)
		_, _ = conn.Write([]byte("ERROR " + err.Error() + "\n"))

		return
	}

	_, _ = conn.Write([]byte("OK\n"))
}

// RunColoPrimary wires a colo.Coordinator to src/dst so a checkpoint round
// reuses the savevm/loadvm state machines instead of a parallel
// serialization path (§4.10). checkpointInterval, if non-zero, overrides
// the coordinator's default pacing (config.Config.CheckpointDelay).
func RunColoPrimary(s *migration.Stream, src *Source, failover *colo.FailoverController, hooks colo.Hooks, m *metrics.Metrics, checkpointInterval time.Duration) error {
	if hooks.SerializeDevices == nil {
		hooks.SerializeDevices = func(w *migration.Stream) error {
			return src.Saver.Complete(w, nil)
		}
	}

	coord := colo.NewCoordinator(s, failover, hooks)
	if checkpointInterval > 0 {
		coord.CheckpointInterval = checkpointInterval
	}

	start := time.Now()
	err := coord.Run()

	if m != nil {
		m.CheckpointSeconds.Observe(time.Since(start).Seconds())
	}

	return err
}

// RunColoSecondary wires a colo.Secondary to dst.
func RunColoSecondary(s *migration.Stream, dst *Destination, failover *colo.FailoverController, hooks colo.Hooks) error {
	if hooks.ApplyDevices == nil {
		hooks.ApplyDevices = func(r *migration.Stream) error {
			return dst.Loader.LoadBody(r)
		}
	}

	sec := colo.NewSecondary(s, failover, hooks)

	return sec.Run()
}
