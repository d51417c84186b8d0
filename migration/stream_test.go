package migration_test

import (
	"bytes"
	"testing"

	"github.com/vmshift/vmshift/migration"
)

func TestHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	w := migration.NewWriteStream(&buf)
	if err := migration.WriteHeader(w); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}

	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if buf.Len() != 8 {
		t.Fatalf("header length = %d, want 8", buf.Len())
	}

	r := migration.NewReadStream(&buf)
	if err := migration.ReadHeader(r); err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
}

// TestHeaderRejectionBadMagic is scenario 1 from §8: the literal bytes
// 00 00 00 00 00 00 00 01 are rejected as a bad magic with KindFormat.
func TestHeaderRejectionBadMagic(t *testing.T) {
	t.Parallel()

	buf := bytes.NewReader([]byte{0, 0, 0, 0, 0, 0, 0, 1})
	r := migration.NewReadStream(buf)

	err := migration.ReadHeader(r)
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	if got := migration.KindOf(err); got != migration.KindFormat {
		t.Fatalf("kind = %v, want KindFormat", got)
	}
}

// TestObsoleteV2Version is scenario 2 from §8: magic followed by the v2
// version constant is rejected as KindUnsupportedVersion.
func TestObsoleteV2Version(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	w := migration.NewWriteStream(&buf)
	w.WriteU32(migration.Magic)
	w.WriteU32(2)
	w.Flush()

	r := migration.NewReadStream(&buf)

	err := migration.ReadHeader(r)
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	if got := migration.KindOf(err); got != migration.KindUnsupportedVersion {
		t.Fatalf("kind = %v, want KindUnsupportedVersion", got)
	}
}

func TestStreamStickyError(t *testing.T) {
	t.Parallel()

	r := migration.NewReadStream(bytes.NewReader(nil))

	if _, err := r.ReadU32(); err == nil {
		t.Fatal("expected read-past-EOF error")
	}

	// Once latched, further reads return the same error without touching
	// the underlying reader again.
	if _, err := r.ReadU8(); err == nil {
		t.Fatal("expected sticky error to persist")
	}
}

func TestWriteStrRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	w := migration.NewWriteStream(&buf)
	if err := w.WriteStr("virtio-blk-0/state"); err != nil {
		t.Fatalf("WriteStr: %v", err)
	}

	w.Flush()

	r := migration.NewReadStream(&buf)

	got, err := r.ReadStr()
	if err != nil {
		t.Fatalf("ReadStr: %v", err)
	}

	if got != "virtio-blk-0/state" {
		t.Fatalf("got %q", got)
	}
}

func TestWriteStrTooLong(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	w := migration.NewWriteStream(&buf)

	long := make([]byte, 256)

	if err := w.WriteStr(string(long)); err == nil {
		t.Fatal("expected error for 256-byte idstr")
	}
}

func TestWriteBuf32RoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	w := migration.NewWriteStream(&buf)
	payload := []byte{0xde, 0xad, 0xbe, 0xef}

	if err := w.WriteBuf32(payload); err != nil {
		t.Fatalf("WriteBuf32: %v", err)
	}

	w.Flush()

	r := migration.NewReadStream(&buf)

	got, err := r.ReadBuf32()
	if err != nil {
		t.Fatalf("ReadBuf32: %v", err)
	}

	if !bytes.Equal(got, payload) {
		t.Fatalf("got %x, want %x", got, payload)
	}
}

func TestFullHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	w := migration.NewWriteStream(&buf)
	h := migration.FullHeader{SectionID: 7, IDStr: "dev/idstr", InstanceID: 2, VersionID: 3}

	if err := migration.WriteFullHeader(w, migration.SectionStart, h); err != nil {
		t.Fatalf("WriteFullHeader: %v", err)
	}

	w.Flush()

	r := migration.NewReadStream(&buf)

	tag, err := r.ReadU8()
	if err != nil {
		t.Fatalf("ReadU8: %v", err)
	}

	if migration.SectionType(tag) != migration.SectionStart {
		t.Fatalf("tag = %v, want SectionStart", migration.SectionType(tag))
	}

	got, err := migration.ReadFullHeader(r)
	if err != nil {
		t.Fatalf("ReadFullHeader: %v", err)
	}

	if got != h {
		t.Fatalf("got %+v, want %+v", got, h)
	}
}
