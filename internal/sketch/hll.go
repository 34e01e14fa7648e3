package sketch

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/spaolacci/murmur3"
)

const (
	minPrecision = 4
	maxPrecision = 16
)

// hll is a HyperLogLog sketch over murmur3-hashed ids. Registers hold
// the max leading-zero rank per bucket, so a merge is a per-register max
// and re-adding an id never moves the estimate.
type hll struct {
	precision uint8
	registers []uint8
}

// precisionForError returns the smallest precision whose standard
// error 1.04/sqrt(2^p) is within relErr, clamped to [4,16].
func precisionForError(relErr float64) uint8 {
	if relErr <= 0 {
		relErr = DefaultRelativeError
	}
	m := (1.04 / relErr) * (1.04 / relErr)
	p := uint8(math.Ceil(math.Log2(m)))
	if p < minPrecision {
		p = minPrecision
	}
	if p > maxPrecision {
		p = maxPrecision
	}
	return p
}

func newHLL(precision uint8) (*hll, error) {
	if precision < minPrecision || precision > maxPrecision {
		return nil, fmt.Errorf("hll precision %d out of range [%d,%d]", precision, minPrecision, maxPrecision)
	}
	return &hll{precision: precision, registers: make([]uint8, 1<<precision)}, nil
}

func (h *hll) Add(id string) {
	sum := murmur3.Sum64([]byte(id))
	idx := sum >> (64 - h.precision)
	w := sum << h.precision
	rank := uint8(bits.LeadingZeros64(w)) + 1
	if max := uint8(64-h.precision) + 1; rank > max {
		rank = max
	}
	if rank > h.registers[idx] {
		h.registers[idx] = rank
	}
}

func (h *hll) Merge(other Counter) error {
	o, ok := other.(*hll)
	if !ok {
		return ErrPolicyMismatch
	}
	if o.precision != h.precision {
		return fmt.Errorf("hll precisions differ (%d vs %d): %w", h.precision, o.precision, ErrPolicyMismatch)
	}
	for i, r := range o.registers {
		if r > h.registers[i] {
			h.registers[i] = r
		}
	}
	return nil
}

func (h *hll) Count() int64 {
	m := float64(len(h.registers))
	sum := 0.0
	zeros := 0
	for _, r := range h.registers {
		sum += 1.0 / math.Exp2(float64(r))
		if r == 0 {
			zeros++
		}
	}
	e := alpha(m) * m * m / sum
	// linear counting for the small range
	if e <= 2.5*m && zeros > 0 {
		e = m * math.Log(m/float64(zeros))
	}
	return int64(e + 0.5)
}

func alpha(m float64) float64 {
	switch m {
	case 16:
		return 0.673
	case 32:
		return 0.697
	case 64:
		return 0.709
	}
	return 0.7213 / (1 + 1.079/m)
}

func (h *hll) Policy() Policy { return PolicyApprox }

// RelativeError reports the sketch's standard error bound.
func (h *hll) RelativeError() float64 {
	return 1.04 / math.Sqrt(float64(len(h.registers)))
}

func (h *hll) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, 2+len(h.registers))
	out = append(out, tagApprox, h.precision)
	return append(out, h.registers...), nil
}

func unmarshalHLL(data []byte) (*hll, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("hll state truncated")
	}
	p := data[0]
	h, err := newHLL(p)
	if err != nil {
		return nil, err
	}
	regs := data[1:]
	if len(regs) != len(h.registers) {
		return nil, fmt.Errorf("hll state has %d registers, want %d", len(regs), len(h.registers))
	}
	copy(h.registers, regs)
	return h, nil
}
