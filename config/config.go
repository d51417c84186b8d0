// Package config is a direct generalization of the teacher's flag package:
// ParseSize is reused verbatim for memory-shaped flags, and ParseArgs is
// regeneralized into Parse, covering this module's session modes instead of
// a single fixed VM boot configuration (§4.13).
package config

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Mode selects which session.* entry point a binary should drive.
type Mode string

const (
	ModeSource        Mode = "source"
	ModeDestination   Mode = "destination"
	ModeColoPrimary   Mode = "colo-primary"
	ModeColoSecondary Mode = "colo-secondary"
)

// Config is the parsed command line for cmd/vmshiftd.
type Config struct {
	Mode Mode

	// ListenAddr is used by destination and colo-secondary modes.
	ListenAddr string
	// ConnectAddr is used by source and colo-primary modes.
	ConnectAddr string

	// ControlSocket, if true, also starts the MIGRATE <addr> control
	// socket (source mode only).
	ControlSocket bool

	// CheckpointDelay is the interval between COLO checkpoint
	// transactions (X_CHECKPOINT_DELAY).
	CheckpointDelay time.Duration

	// DiscardScratchSize bounds the discard batch's scratch buffer, a
	// memory-shaped flag parsed with ParseSize like the teacher's "-m".
	DiscardScratchSize int

	// Postcopy enables the postcopy RAM handoff (source/destination).
	Postcopy bool
}

// ParseSize parses a size string as number[gGmMkK]. The multiplier is
// optional; if absent, unit is used instead. Copied verbatim from the
// teacher's flag.ParseSize (§4.13).
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q: can't parse as num[gGmMkK]: %w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]: %w", s, strconv.ErrSyntax)
}

var errUnknownMode = fmt.Errorf("mode must be one of %s, %s, %s, %s", ModeSource, ModeDestination, ModeColoPrimary, ModeColoSecondary)

// Parse parses args (typically os.Args) into a Config, the generalization
// of the teacher's ParseArgs covering this module's session modes instead
// of one fixed VM boot configuration.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)

	mode := fs.String("mode", "source", "session mode: source, destination, colo-primary, colo-secondary")
	listen := fs.String("listen", ":4444", "address to listen on (destination, colo-secondary)")
	connect := fs.String("connect", "127.0.0.1:4444", "address to connect to (source, colo-primary)")
	control := fs.Bool("control-socket", false, "start the MIGRATE <addr> control socket (source mode)")
	delay := fs.String("checkpoint-delay", "100ms", "delay between COLO checkpoint transactions")
	scratch := fs.String("discard-scratch", "1M", "postcopy discard batch scratch buffer size: number[gGmMkK]")
	postcopy := fs.Bool("postcopy", false, "enable the postcopy RAM handoff")

	if err := fs.Parse(args[1:]); err != nil {
		return nil, err
	}

	cfg := &Config{
		Mode:          Mode(*mode),
		ListenAddr:    *listen,
		ConnectAddr:   *connect,
		ControlSocket: *control,
		Postcopy:      *postcopy,
	}

	switch cfg.Mode {
	case ModeSource, ModeDestination, ModeColoPrimary, ModeColoSecondary:
	default:
		return nil, errUnknownMode
	}

	checkpointDelay, err := time.ParseDuration(*delay)
	if err != nil {
		return nil, fmt.Errorf("checkpoint-delay: %w", err)
	}

	cfg.CheckpointDelay = checkpointDelay

	scratchSize, err := ParseSize(*scratch, "m")
	if err != nil {
		return nil, fmt.Errorf("discard-scratch: %w", err)
	}

	cfg.DiscardScratchSize = scratchSize

	return cfg, nil
}
