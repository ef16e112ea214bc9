// Package trajectory integrates constant-jerk motion for one control cycle.
//
// Every function here is allocation free and safe to call from a real-time
// loop. Non-finite inputs propagate per IEEE-754; bounding t and the inputs
// is the caller's job.
package trajectory

import (
	"encoding/binary"
	"errors"
	"math"
)

// Integrate advances position p0, velocity v0 and acceleration a0 by t
// seconds under constant jerk j.
func Integrate(t, p0, v0, a0, j float64) (p, v, a float64) {
	p = p0 + t*(v0+t*(a0/2+t*j/6))
	v = v0 + t*(a0+t*j/2)
	a = a0 + t*j
	return p, v, a
}

// State is the kinematic state of one axis.
type State struct {
	Pos  float64
	Vel  float64
	Acc  float64
	Jerk float64
}

// Step returns s advanced by t seconds under jerk j.
func (s State) Step(t, j float64) State {
	p, v, a := Integrate(t, s.Pos, s.Vel, s.Acc, j)
	return State{Pos: p, Vel: v, Acc: a, Jerk: j}
}

// StateSize is the encoded size of one State.
const StateSize = 32

// ErrShortBuffer is returned when a buffer cannot hold the encoded states.
var ErrShortBuffer = errors.New("trajectory: buffer too short")

// PutState encodes s into dst as four little-endian float64 values.
func PutState(dst []byte, s State) error {
	if len(dst) < StateSize {
		return ErrShortBuffer
	}
	binary.LittleEndian.PutUint64(dst[0:], math.Float64bits(s.Pos))
	binary.LittleEndian.PutUint64(dst[8:], math.Float64bits(s.Vel))
	binary.LittleEndian.PutUint64(dst[16:], math.Float64bits(s.Acc))
	binary.LittleEndian.PutUint64(dst[24:], math.Float64bits(s.Jerk))
	return nil
}

// AppendState appends the encoding of s to dst.
func AppendState(dst []byte, s State) []byte {
	var b [StateSize]byte
	PutState(b[:], s)
	return append(dst, b[:]...)
}

// DecodeState decodes one State from the start of src.
func DecodeState(src []byte) (State, error) {
	if len(src) < StateSize {
		return State{}, ErrShortBuffer
	}
	return State{
		Pos:  math.Float64frombits(binary.LittleEndian.Uint64(src[0:])),
		Vel:  math.Float64frombits(binary.LittleEndian.Uint64(src[8:])),
		Acc:  math.Float64frombits(binary.LittleEndian.Uint64(src[16:])),
		Jerk: math.Float64frombits(binary.LittleEndian.Uint64(src[24:])),
	}, nil
}

// PutAxes encodes one State per axis into dst and returns the bytes used.
func PutAxes(dst []byte, axes []State) (int, error) {
	if len(dst) < len(axes)*StateSize {
		return 0, ErrShortBuffer
	}
	for i, s := range axes {
		PutState(dst[i*StateSize:], s)
	}
	return len(axes) * StateSize, nil
}

// DecodeAxes decodes len(src)/StateSize states into dst, which is reused
// when it has enough capacity.
func DecodeAxes(dst []State, src []byte) ([]State, error) {
	if len(src)%StateSize != 0 {
		return dst[:0], ErrShortBuffer
	}
	dst = dst[:0]
	for off := 0; off < len(src); off += StateSize {
		s, _ := DecodeState(src[off:])
		dst = append(dst, s)
	}
	return dst, nil
}
