package delta

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrChecksumMismatch = errors.New("reconstructed content does not match declared checksum")
	ErrMalformedDelta   = errors.New("malformed delta")
)

// OpKind tags a delta operation.
type OpKind uint8

const (
	OpCopy OpKind = iota + 1
	OpLiteral
)

func (k OpKind) String() string {
	switch k {
	case OpCopy:
		return "Copy"
	case OpLiteral:
		return "Literal"
	default:
		return fmt.Sprintf("OpKind(%d)", uint8(k))
	}
}

// Op is one reconstruction step. A Copy reuses base block Index unchanged;
// a Literal carries bytes that are not present in the base.
type Op struct {
	Kind  OpKind
	Index int
	Data  []byte
}

func Copy(index int) Op { return Op{Kind: OpCopy, Index: index} }

func Literal(data []byte) Op { return Op{Kind: OpLiteral, Data: data} }

// Delta rebuilds a target file from the base version it was computed
// against.
type Delta struct {
	BaseVersion      int64
	BlockSize        int
	Ops              []Op
	DeclaredChecksum string
}

// Stats summarizes what a delta transfers.
type Stats struct {
	Ops          int
	CopiedBlocks int
	LiteralBytes int
}

func (d Delta) Stats() Stats {
	st := Stats{Ops: len(d.Ops)}
	for _, op := range d.Ops {
		switch op.Kind {
		case OpCopy:
			st.CopiedBlocks++
		case OpLiteral:
			st.LiteralBytes += len(op.Data)
		}
	}
	return st
}

// ComputeDelta diffs content against the base described by sig.
//
// The window slides one byte at a time so inserted or shifted data is still
// found. A weak checksum hit is only accepted as a Copy once the strong
// checksum agrees; the scan then jumps past the matched block.
func ComputeDelta(content []byte, sig Signature) Delta {
	d := Delta{
		BaseVersion:      sig.VersionNumber,
		BlockSize:        sig.BlockSize,
		DeclaredChecksum: StrongChecksum(content),
	}
	bs := sig.BlockSize
	if bs <= 0 || len(sig.Blocks) == 0 {
		if len(content) > 0 {
			d.Ops = append(d.Ops, Literal(clone(content)))
		}
		return d
	}

	byWeak := make(map[uint32][]int, len(sig.Blocks))
	tail := -1
	for _, b := range sig.Blocks {
		if sig.BlockLen(b.Index) == bs {
			byWeak[b.WeakChecksum] = append(byWeak[b.WeakChecksum], b.Index)
		} else {
			tail = b.Index
		}
	}

	litStart := 0
	flush := func(end int) {
		if end > litStart {
			d.Ops = append(d.Ops, Literal(clone(content[litStart:end])))
		}
	}

	var roll *Rolling
	i := 0
	for i+bs <= len(content) {
		if roll == nil {
			roll = NewRolling(content[i : i+bs])
		}
		if candidates, ok := byWeak[roll.Sum()]; ok {
			if idx, ok := confirm(content[i:i+bs], candidates, sig); ok {
				flush(i)
				d.Ops = append(d.Ops, Copy(idx))
				i += bs
				litStart = i
				roll = nil
				continue
			}
		}
		if i+bs < len(content) {
			roll.Roll(content[i], content[i+bs])
		}
		i++
	}

	// The short final block can only line up with the very end of content.
	if tail >= 0 {
		tl := sig.BlockLen(tail)
		if tl > 0 && len(content)-litStart >= tl {
			start := len(content) - tl
			window := content[start:]
			want := sig.Blocks[tail]
			if WeakChecksum(window) == want.WeakChecksum && StrongChecksum(window) == want.StrongChecksum {
				flush(start)
				d.Ops = append(d.Ops, Copy(tail))
				litStart = len(content)
			}
		}
	}
	flush(len(content))
	return d
}

func confirm(window []byte, candidates []int, sig Signature) (int, bool) {
	strong := StrongChecksum(window)
	for _, idx := range candidates {
		if sig.Blocks[idx].StrongChecksum == strong {
			return idx, true
		}
	}
	return 0, false
}

// Validate checks that every operation can be replayed against a base of
// baseLen bytes.
func (d Delta) Validate(baseLen int) error {
	if d.BlockSize <= 0 {
		return fmt.Errorf("%w: block size %d", ErrMalformedDelta, d.BlockSize)
	}
	blocks := (baseLen + d.BlockSize - 1) / d.BlockSize
	for i, op := range d.Ops {
		switch op.Kind {
		case OpCopy:
			if op.Index < 0 || op.Index >= blocks {
				return fmt.Errorf("%w: op %d copies block %d of %d", ErrMalformedDelta, i, op.Index, blocks)
			}
		case OpLiteral:
			if len(op.Data) == 0 {
				return fmt.Errorf("%w: op %d is an empty literal", ErrMalformedDelta, i)
			}
		default:
			return fmt.Errorf("%w: op %d has unknown kind %s", ErrMalformedDelta, i, op.Kind)
		}
	}
	return nil
}

// ApplyDelta replays d against base. The result is returned only when its
// strong checksum equals the declared one; otherwise nothing is produced.
func ApplyDelta(d Delta, base []byte) ([]byte, error) {
	if err := d.Validate(len(base)); err != nil {
		return nil, err
	}
	size := 0
	for _, op := range d.Ops {
		if op.Kind == OpCopy {
			size += blockRange(base, d.BlockSize, op.Index)
		} else {
			size += len(op.Data)
		}
	}
	out := make([]byte, 0, size)
	for _, op := range d.Ops {
		if op.Kind == OpCopy {
			start := op.Index * d.BlockSize
			out = append(out, base[start:start+blockRange(base, d.BlockSize, op.Index)]...)
		} else {
			out = append(out, op.Data...)
		}
	}
	if got := StrongChecksum(out); !strings.EqualFold(got, d.DeclaredChecksum) {
		return nil, fmt.Errorf("%w: declared %s, got %s", ErrChecksumMismatch, d.DeclaredChecksum, got)
	}
	return out, nil
}

func blockRange(base []byte, blockSize, index int) int {
	start := index * blockSize
	return min(blockSize, len(base)-start)
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
