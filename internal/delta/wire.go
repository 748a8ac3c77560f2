package delta

import (
	"fmt"
	"strings"
)

// WireBlock is the JSON form of one delta operation on the upload route.
// Data is base64 encoded by encoding/json.
type WireBlock struct {
	Index       int    `json:"index"`
	Operation   string `json:"operation"`
	SourceIndex *int   `json:"sourceIndex,omitempty"`
	Data        []byte `json:"data,omitempty"`
}

// ToWire converts ops into their JSON form, numbering them in order.
func ToWire(ops []Op) []WireBlock {
	out := make([]WireBlock, 0, len(ops))
	for i, op := range ops {
		wb := WireBlock{Index: i, Operation: op.Kind.String()}
		if op.Kind == OpCopy {
			src := op.Index
			wb.SourceIndex = &src
		} else {
			wb.Data = op.Data
		}
		out = append(out, wb)
	}
	return out
}

// FromWire parses uploaded blocks. Blocks must be numbered 0..n-1 in order
// and each must carry the field its operation needs.
func FromWire(blocks []WireBlock) ([]Op, error) {
	ops := make([]Op, 0, len(blocks))
	for i, b := range blocks {
		if b.Index != i {
			return nil, fmt.Errorf("%w: block %d has index %d", ErrMalformedDelta, i, b.Index)
		}
		switch strings.ToLower(strings.TrimSpace(b.Operation)) {
		case "copy":
			if b.SourceIndex == nil {
				return nil, fmt.Errorf("%w: copy block %d has no sourceIndex", ErrMalformedDelta, i)
			}
			if len(b.Data) > 0 {
				return nil, fmt.Errorf("%w: copy block %d carries data", ErrMalformedDelta, i)
			}
			ops = append(ops, Copy(*b.SourceIndex))
		case "literal":
			if len(b.Data) == 0 {
				return nil, fmt.Errorf("%w: literal block %d has no data", ErrMalformedDelta, i)
			}
			ops = append(ops, Literal(b.Data))
		default:
			return nil, fmt.Errorf("%w: block %d has operation %q", ErrMalformedDelta, i, b.Operation)
		}
	}
	return ops, nil
}
