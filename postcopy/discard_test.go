package postcopy

import (
	"bytes"
	"testing"

	"github.com/vmshift/vmshift/migration"
)

func readDiscardCommands(t *testing.T, buf *bytes.Buffer) []DiscardMessage {
	t.Helper()

	r := migration.NewReadStream(buf)

	var out []DiscardMessage

	for buf.Len() > 0 {
		tag, err := r.ReadU8()
		if err != nil {
			t.Fatalf("ReadU8: %v", err)
		}

		if migration.SectionType(tag) != migration.SectionCmd {
			t.Fatalf("unexpected tag %v", tag)
		}

		ch, err := migration.ReadCommand(r)
		if err != nil {
			t.Fatalf("ReadCommand: %v", err)
		}

		if ch.Cmd != migration.CmdPostcopyDiscard {
			t.Fatalf("cmd = %v, want POSTCOPY_DISCARD", ch.Cmd)
		}

		msg, err := DecodeDiscard(ch.Payload)
		if err != nil {
			t.Fatalf("DecodeDiscard: %v", err)
		}

		out = append(out, msg)
	}

	return out
}

// TestDiscardBatchingFillsAt12 is scenario 6 from §8: 12 calls to
// DiscardRange fill exactly one batch; a 13th starts a new one, and
// DiscardFinish flushes it.
func TestDiscardBatchingFillsAt12(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	src := NewSource(migration.NewWriteStream(&buf))

	for i := 0; i < 12; i++ {
		if err := src.DiscardRange("pc.ram", 0, uint64(i), 0xFF); err != nil {
			t.Fatalf("DiscardRange %d: %v", i, err)
		}
	}

	msgs := readDiscardCommands(t, &buf)
	if len(msgs) != 1 {
		t.Fatalf("after 12 calls: got %d DISCARD commands, want 1", len(msgs))
	}

	if len(msgs[0].Pairs) != 12 {
		t.Fatalf("first batch has %d pairs, want 12", len(msgs[0].Pairs))
	}

	if err := src.DiscardRange("pc.ram", 0, 99, 0x01); err != nil {
		t.Fatalf("DiscardRange 13th: %v", err)
	}

	if err := src.DiscardFinish(); err != nil {
		t.Fatalf("DiscardFinish: %v", err)
	}

	msgs = readDiscardCommands(t, &buf)
	if len(msgs) != 1 {
		t.Fatalf("after 13th call + finish: got %d DISCARD commands, want 1", len(msgs))
	}

	if len(msgs[0].Pairs) != 1 || msgs[0].Pairs[0].StartWord != 99 {
		t.Fatalf("second batch = %+v, want one pair starting at word 99", msgs[0])
	}
}

// TestDiscardFinishNoopWhenEmpty checks DiscardFinish emits nothing when no
// batch is pending.
func TestDiscardFinishNoopWhenEmpty(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	src := NewSource(migration.NewWriteStream(&buf))

	if err := src.DiscardFinish(); err != nil {
		t.Fatalf("DiscardFinish: %v", err)
	}

	if buf.Len() != 0 {
		t.Fatalf("expected no bytes written, got %d", buf.Len())
	}
}

// TestDiscardDecodeRejectsSetLowBits is the §8 invariant: a non-zero bit in
// [0, first_bit_offset) of the first word is a protocol error.
func TestDiscardDecodeRejectsSetLowBits(t *testing.T) {
	t.Parallel()

	b := &Batch{blockName: "pc.ram", firstBitOffset: 4, pairs: []wordMask{{startWord: 0, mask: 0x0F}}}

	if _, err := DecodeDiscard(b.encode()); err == nil {
		t.Fatal("expected error for set low bits below first_bit_offset")
	}
}

// TestDiscardPageMath is §8 scenario 5's discard page range: ADVISE then
// DISCARD{first_bit_offset=12, name="pc.ram", pairs=[(1, 0xFF)]} discards
// pages 52..59 of block pc.ram.
func TestDiscardPageMath(t *testing.T) {
	t.Parallel()

	b := &Batch{blockName: "pc.ram", firstBitOffset: 12, pairs: []wordMask{{startWord: 1, mask: 0xFF}}}

	msg, err := DecodeDiscard(b.encode())
	if err != nil {
		t.Fatalf("DecodeDiscard: %v", err)
	}

	backend := &fakeBackend{}
	dest := NewDestination(backend, []RAMBlock{{Name: "pc.ram", HostAddr: 0, Length: 1 << 30}}, nil, nil)

	if _, _, err := dest.HandleCommand(migration.CmdPostcopyAdvise, nil); err != nil {
		t.Fatalf("advise: %v", err)
	}

	payload := (&Batch{blockName: msg.BlockName, firstBitOffset: msg.FirstBitOffset, pairs: []wordMask{{1, 0xFF}}}).encode()

	if _, _, err := dest.HandleCommand(migration.CmdPostcopyDiscard, payload); err != nil {
		t.Fatalf("discard: %v", err)
	}

	var got []uint64
	for _, r := range backend.discarded {
		got = append(got, r/4096)
	}

	want := []uint64{52, 53, 54, 55, 56, 57, 58, 59}

	if len(got) != len(want) {
		t.Fatalf("discarded pages = %v, want %v", got, want)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("discarded pages = %v, want %v", got, want)
		}
	}
}

// TestDiscardPageMathMultiPair checks that first_bit_offset is subtracted
// only for the first pair in a DISCARD message: DISCARD{first_bit_offset=12,
// pairs=[(1, 0xFF), (2, 0xFF)]} discards pages 52..59 from the first pair
// and pages 128..135 (start_word_index*64 + bit, unmodified) from the
// second.
func TestDiscardPageMathMultiPair(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	dest := NewDestination(backend, []RAMBlock{{Name: "pc.ram", HostAddr: 0, Length: 1 << 30}}, nil, nil)

	if _, _, err := dest.HandleCommand(migration.CmdPostcopyAdvise, nil); err != nil {
		t.Fatalf("advise: %v", err)
	}

	payload := (&Batch{
		blockName:      "pc.ram",
		firstBitOffset: 12,
		pairs:          []wordMask{{1, 0xFF}, {2, 0xFF}},
	}).encode()

	if _, _, err := dest.HandleCommand(migration.CmdPostcopyDiscard, payload); err != nil {
		t.Fatalf("discard: %v", err)
	}

	var got []uint64
	for _, r := range backend.discarded {
		got = append(got, r/4096)
	}

	want := []uint64{52, 53, 54, 55, 56, 57, 58, 59, 128, 129, 130, 131, 132, 133, 134, 135}

	if len(got) != len(want) {
		t.Fatalf("discarded pages = %v, want %v", got, want)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("discarded pages = %v, want %v", got, want)
		}
	}
}
