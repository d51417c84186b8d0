package postcopy

import (
	"encoding/binary"
	"errors"
	"math/bits"

	"github.com/vmshift/vmshift/migration"
)

func popcount(mask uint64) int { return bits.OnesCount64(mask) }

// maxPairsPerBatch bounds each DISCARD command to 12 (start_word, mask)
// pairs (§4.6), so a single message's worst-case memory is fixed regardless
// of how sparse the discard set is.
const maxPairsPerBatch = 12

// discardVersion is the only encoding version this implementation writes
// or accepts, per §4.6.
const discardVersion = 0

type wordMask struct {
	startWord uint64
	mask      uint64
}

// Batch accumulates up to maxPairsPerBatch word/mask pairs for a single RAM
// block before they must be flushed as one DISCARD command (§3 "Postcopy
// Discard Batch").
type Batch struct {
	blockName      string
	firstBitOffset uint8
	pairs          []wordMask
}

// DiscardMessage is a decoded DISCARD command payload (§4.6, §6).
type DiscardMessage struct {
	Version        uint8
	FirstBitOffset uint8
	BlockName      string
	Pairs          []struct {
		StartWord uint64
		Mask      uint64
	}
}

var (
	errDiscardTooShort     = errors.New("discard payload too short")
	errDiscardBadVersion   = errors.New("unsupported discard encoding version")
	errDiscardFirstBitsSet = errors.New("bits before first_bit_offset in the first word are set")
)

// encode renders b in the §4.6 wire layout:
//
//	u8 version, u8 first_bit_offset, u8 name_len, name_len×u8 name,
//	N × { u64 start_word_index, u64 mask }
func (b *Batch) encode() []byte {
	buf := make([]byte, 0, 3+len(b.blockName)+16*len(b.pairs))
	buf = append(buf, discardVersion, b.firstBitOffset, byte(len(b.blockName)))
	buf = append(buf, []byte(b.blockName)...)

	for _, p := range b.pairs {
		var w [16]byte
		binary.BigEndian.PutUint64(w[0:8], p.startWord)
		binary.BigEndian.PutUint64(w[8:16], p.mask)
		buf = append(buf, w[:]...)
	}

	return buf
}

// DecodeDiscard parses a DISCARD command payload and validates the §8
// invariant that bits [0, first_bit_offset) of the block's first word (word
// index 0) are zero. A first pair whose start word is past word 0 is not
// subject to that check.
func DecodeDiscard(payload []byte) (DiscardMessage, error) {
	var msg DiscardMessage

	if len(payload) < 3 {
		return msg, errDiscardTooShort
	}

	version := payload[0]
	if version != discardVersion {
		return msg, errDiscardBadVersion
	}

	firstBitOffset := payload[1]
	nameLen := int(payload[2])

	if len(payload) < 3+nameLen {
		return msg, errDiscardTooShort
	}

	name := string(payload[3 : 3+nameLen])
	rest := payload[3+nameLen:]

	if len(rest)%16 != 0 {
		return msg, errDiscardTooShort
	}

	msg.Version = version
	msg.FirstBitOffset = firstBitOffset
	msg.BlockName = name

	for i := 0; i+16 <= len(rest); i += 16 {
		startWord := binary.BigEndian.Uint64(rest[i : i+8])
		mask := binary.BigEndian.Uint64(rest[i+8 : i+16])

		if i == 0 && startWord == 0 && firstBitOffset > 0 {
			lowBits := mask & ((uint64(1) << firstBitOffset) - 1)
			if lowBits != 0 {
				return msg, errDiscardFirstBitsSet
			}
		}

		msg.Pairs = append(msg.Pairs, struct {
			StartWord uint64
			Mask      uint64
		}{startWord, mask})
	}

	return msg, nil
}

// DiscardRange adds one (start_word_index, mask) pair to the in-flight
// batch for blockName, flushing the current batch first if it belongs to a
// different block or is already full (§8 scenario 6). firstBitOffset is
// recorded once per batch; it is the caller's responsibility to keep it
// consistent for a given block within one flip.
func (src *Source) DiscardRange(blockName string, firstBitOffset uint8, startWord, mask uint64) error {
	batchCap := src.maxBatchPairs()

	if src.batch != nil && (src.batch.blockName != blockName || len(src.batch.pairs) >= batchCap) {
		if err := src.flushBatch(); err != nil {
			return err
		}
	}

	if src.batch == nil {
		src.batch = &Batch{blockName: blockName, firstBitOffset: firstBitOffset}
	}

	src.batch.pairs = append(src.batch.pairs, wordMask{startWord, mask})

	if len(src.batch.pairs) >= batchCap {
		return src.flushBatch()
	}

	return nil
}

// DiscardFinish flushes any partially filled batch, emitting one final
// DISCARD command if there is pending data (§8 scenario 6, §4.6 "at the end
// of the containing block").
func (src *Source) DiscardFinish() error {
	if src.batch == nil || len(src.batch.pairs) == 0 {
		return nil
	}

	return src.flushBatch()
}

func (src *Source) flushBatch() error {
	b := src.batch
	src.batch = nil

	if b == nil || len(b.pairs) == 0 {
		return nil
	}

	if src.Metrics != nil {
		pages := 0

		for _, p := range b.pairs {
			pages += popcount(p.mask)
		}

		src.Metrics.PostcopyDiscards.Add(float64(pages))
	}

	return migration.SendCommand(src.s, migration.CmdPostcopyDiscard, b.encode())
}
