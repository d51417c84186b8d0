package session_test

import (
	"bytes"
	"testing"

	"github.com/vmshift/vmshift/internal/xlog"
	"github.com/vmshift/vmshift/migration"
	"github.com/vmshift/vmshift/session"
)

type fakeDevice struct {
	value uint32
}

func TestSourceRunThenDestinationRunRoundTrip(t *testing.T) {
	t.Parallel()

	srcDev := &fakeDevice{value: 42}
	dstDev := &fakeDevice{}

	srcReg := migration.NewRegistry(0)

	_, err := srcReg.Register("dev", 0, 1, migration.Callbacks{
		Save: func(w *migration.Stream, opaque any) error {
			return w.WriteU32(opaque.(*fakeDevice).value)
		},
	}, migration.Schema{}, true, srcDev, migration.RegisterOpts{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	dstReg := migration.NewRegistry(0)

	_, err = dstReg.Register("dev", 0, 1, migration.Callbacks{
		Load: func(r *migration.Stream, opaque any, versionID uint32) error {
			v, err := r.ReadU32()
			if err != nil {
				return err
			}

			opaque.(*fakeDevice).value = v

			return nil
		},
	}, migration.Schema{}, true, dstDev, migration.RegisterOpts{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	var buf bytes.Buffer

	sv := migration.NewSaver(srcReg, nil, false)
	src := session.NewSource(sv, xlog.New("src"), nil)

	if err := src.Run(migration.NewWriteStream(&buf), migration.MigrationParams{}); err != nil {
		t.Fatalf("Source.Run: %v", err)
	}

	dst := session.NewDestination(dstReg, nil, xlog.New("dst"))

	if err := dst.Run(migration.NewReadStream(&buf), nil); err != nil {
		t.Fatalf("Destination.Run: %v", err)
	}

	if dstDev.value != 42 {
		t.Fatalf("dstDev.value = %d, want 42", dstDev.value)
	}
}
