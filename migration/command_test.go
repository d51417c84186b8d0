package migration_test

import (
	"bytes"
	"testing"

	"github.com/vmshift/vmshift/migration"
)

func TestSendCommandRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	w := migration.NewWriteStream(&buf)
	if err := migration.SendCommand(w, migration.CmdPostcopyListen, nil); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	r := migration.NewReadStream(&buf)

	tag, err := r.ReadU8()
	if err != nil || migration.SectionType(tag) != migration.SectionCmd {
		t.Fatalf("tag = %v,%v", tag, err)
	}

	ch, err := migration.ReadCommand(r)
	if err != nil {
		t.Fatalf("ReadCommand: %v", err)
	}

	if ch.Cmd != migration.CmdPostcopyListen || len(ch.Payload) != 0 {
		t.Fatalf("got %+v", ch)
	}
}

func TestSendPackagedRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	w := migration.NewWriteStream(&buf)
	sub := []byte{0x01, 0x02, 0x03, 0x04, 0x05}

	if err := migration.SendPackaged(w, sub); err != nil {
		t.Fatalf("SendPackaged: %v", err)
	}

	r := migration.NewReadStream(&buf)

	tag, _ := r.ReadU8()
	if migration.SectionType(tag) != migration.SectionCmd {
		t.Fatalf("tag = %v", tag)
	}

	ch, err := migration.ReadCommand(r)
	if err != nil {
		t.Fatalf("ReadCommand: %v", err)
	}

	if ch.Cmd != migration.CmdPackaged {
		t.Fatalf("cmd = %v, want PACKAGED", ch.Cmd)
	}

	length, err := migration.DecodePackagedLength(ch.Payload)
	if err != nil {
		t.Fatalf("DecodePackagedLength: %v", err)
	}

	if length != uint32(len(sub)) {
		t.Fatalf("length = %d, want %d", length, len(sub))
	}

	got, err := r.ReadBuf(int(length))
	if err != nil {
		t.Fatalf("ReadBuf: %v", err)
	}

	if !bytes.Equal(got, sub) {
		t.Fatalf("got %x, want %x", got, sub)
	}
}

func TestReturnPathReqAckRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	rp := migration.OpenReturnPath(migration.NewStream(&rwBuf{&buf}))
	if err := rp.SendReqAck(0x1234); err != nil {
		t.Fatalf("SendReqAck: %v", err)
	}

	ch, err := rp.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	if ch.Cmd != migration.CmdReqAck {
		t.Fatalf("cmd = %v, want REQACK", ch.Cmd)
	}
}

func TestEncodeDecodeRequestPagesElidesRepeatedName(t *testing.T) {
	t.Parallel()

	buf := migration.EncodeRequestPages("pc.ram", 4096, 4096, "pc.ram")

	name, offset, length, err := migration.DecodeRequestPages(buf, "pc.ram")
	if err != nil {
		t.Fatalf("DecodeRequestPages: %v", err)
	}

	if name != "pc.ram" || offset != 4096 || length != 4096 {
		t.Fatalf("got %q,%d,%d", name, offset, length)
	}

	// The encoded wire form should have elided the name bytes.
	if buf[0] != 0 {
		t.Fatalf("name_len = %d, want 0 (elided)", buf[0])
	}
}

func TestEncodeDecodeRequestPagesNewName(t *testing.T) {
	t.Parallel()

	buf := migration.EncodeRequestPages("pc.ram", 0, 8192, "")

	name, _, _, err := migration.DecodeRequestPages(buf, "")
	if err != nil {
		t.Fatalf("DecodeRequestPages: %v", err)
	}

	if name != "pc.ram" {
		t.Fatalf("name = %q, want pc.ram", name)
	}
}

func TestEncodeDecodeShutdownAck(t *testing.T) {
	t.Parallel()

	buf := migration.EncodeShutdownAck(0)

	got, err := migration.DecodeShutdownAck(buf)
	if err != nil {
		t.Fatalf("DecodeShutdownAck: %v", err)
	}

	if got != 0 {
		t.Fatalf("got %d, want 0", got)
	}
}

// rwBuf adapts a *bytes.Buffer to io.ReadWriter for tests that need a
// bidirectional Stream.
type rwBuf struct{ b *bytes.Buffer }

func (r *rwBuf) Read(p []byte) (int, error)  { return r.b.Read(p) }
func (r *rwBuf) Write(p []byte) (int, error) { return r.b.Write(p) }
