// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package snapshot

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/spikeforge/npu/connectome"
	"github.com/spikeforge/npu/gbool"
	"github.com/spikeforge/npu/neural"
)

// formatVersion tags every header payload. Bump it whenever the bucket
// encodings below change shape.
const formatVersion = 1

// enc appends little-endian fields to a growing payload. Slice fields
// carry a u32 element count so the decoder never guesses lengths.
type enc struct {
	b []byte
}

func (e *enc) u8(v uint8)   { e.b = append(e.b, v) }
func (e *enc) u32(v uint32) { e.b = binary.LittleEndian.AppendUint32(e.b, v) }
func (e *enc) u64(v uint64) { e.b = binary.LittleEndian.AppendUint64(e.b, v) }

func (e *enc) u8s(v []uint8) {
	e.u32(uint32(len(v)))
	e.b = append(e.b, v...)
}

func (e *enc) u16s(v []uint16) {
	e.u32(uint32(len(v)))
	for _, x := range v {
		e.b = binary.LittleEndian.AppendUint16(e.b, x)
	}
}

func (e *enc) u32s(v []uint32) {
	e.u32(uint32(len(v)))
	for _, x := range v {
		e.u32(x)
	}
}

func (e *enc) f32s(v []float32) {
	e.u32(uint32(len(v)))
	for _, x := range v {
		e.u32(math.Float32bits(x))
	}
}

// flags writes an int32-backed bool slice as u32 words.
func (e *enc) flags(v []gbool.Bool) {
	e.u32(uint32(len(v)))
	for _, x := range v {
		e.u32(uint32(x))
	}
}

// bools writes a bool slice bitpacked: the bit count, then the mask
// words.
func (e *enc) bools(v []bool) {
	e.u32(uint32(len(v)))
	for _, w := range gbool.Pack(v) {
		e.u32(w)
	}
}

// dec consumes a payload with a sticky error. After the first short
// read every further accessor returns zero values, so decode functions
// check err once at the end.
type dec struct {
	b   []byte
	err error
}

func corrupt(reason string) error {
	return &neural.ConfigError{Field: "snapshot", Reason: reason}
}

func (d *dec) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || n > len(d.b) {
		d.err = corrupt("payload truncated")
		return nil
	}
	out := d.b[:n]
	d.b = d.b[n:]
	return out
}

func (d *dec) u8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *dec) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *dec) u64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// count reads a u32 element count and bounds it against the bytes that
// remain, so a corrupt length cannot drive a huge allocation.
func (d *dec) count(elemSize int) int {
	n := int(d.u32())
	if d.err != nil {
		return 0
	}
	if n*elemSize > len(d.b) {
		d.err = corrupt("element count exceeds payload")
		return 0
	}
	return n
}

func (d *dec) u8s() []uint8 {
	n := d.count(1)
	b := d.take(n)
	if b == nil {
		return nil
	}
	return append([]uint8(nil), b...)
}

func (d *dec) u16s() []uint16 {
	n := d.count(2)
	b := d.take(n * 2)
	if b == nil {
		return nil
	}
	out := make([]uint16, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return out
}

func (d *dec) u32s() []uint32 {
	n := d.count(4)
	b := d.take(n * 4)
	if b == nil {
		return nil
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return out
}

func (d *dec) f32s() []float32 {
	n := d.count(4)
	b := d.take(n * 4)
	if b == nil {
		return nil
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func (d *dec) flags() []gbool.Bool {
	n := d.count(4)
	b := d.take(n * 4)
	if b == nil {
		return nil
	}
	out := make([]gbool.Bool, n)
	for i := range out {
		out[i] = gbool.Bool(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func (d *dec) bools() []bool {
	n := int(d.u32())
	if d.err != nil {
		return nil
	}
	words := gbool.WordsFor(n)
	b := d.take(words * 4)
	if b == nil {
		return nil
	}
	m := make(gbool.Mask, words)
	for i := range m {
		m[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return m.Unpack(n)
}

func encodeHeader(burst uint64) []byte {
	var e enc
	e.u32(formatVersion)
	e.u64(burst)
	return e.b
}

func decodeHeader(b []byte) (uint64, error) {
	d := dec{b: b}
	v := d.u32()
	burst := d.u64()
	if d.err != nil {
		return 0, d.err
	}
	if v != formatVersion {
		return 0, corrupt(fmt.Sprintf("unsupported format version %d", v))
	}
	return burst, nil
}

// area flag bits in the encoded form
const (
	areaUniform  = 1 << 0
	areaMPDriven = 1 << 1
)

func encodeAreas(areas []connectome.AreaEntry) []byte {
	var e enc
	e.u32(uint32(len(areas)))
	for _, a := range areas {
		e.u32(uint32(a.ID))
		e.u8(uint8(a.Flags.Model))
		var bits uint8
		if a.Flags.PSPUniform {
			bits |= areaUniform
		}
		if a.Flags.MPDrivenPSP {
			bits |= areaMPDriven
		}
		e.u8(bits)
	}
	return e.b
}

func decodeAreas(b []byte) ([]connectome.AreaEntry, error) {
	d := dec{b: b}
	n := d.count(6)
	out := make([]connectome.AreaEntry, 0, n)
	for i := 0; i < n; i++ {
		id := d.u32()
		model := d.u8()
		bits := d.u8()
		out = append(out, connectome.AreaEntry{
			ID: neural.AreaID(id),
			Flags: connectome.AreaFlags{
				Model:       neural.ModelKind(model),
				PSPUniform:  bits&areaUniform != 0,
				MPDrivenPSP: bits&areaMPDriven != 0,
			},
		})
	}
	if d.err != nil {
		return nil, d.err
	}
	return out, nil
}

func encodeNeurons(tables []connectome.NeuronTable) []byte {
	var e enc
	e.u32(uint32(len(tables)))
	for i := range tables {
		t := &tables[i]
		e.u8(uint8(t.Model))
		e.u32(t.SpanStart)
		e.u32s(t.FreeIDs)
		e.f32s(t.MembranePotentials)
		e.f32s(t.Thresholds)
		e.f32s(t.ThresholdLimits)
		e.f32s(t.LeakCoefficients)
		e.f32s(t.RestingPotentials)
		e.u16s(t.RefractoryPeriods)
		e.u16s(t.RefractoryCountdowns)
		e.f32s(t.Excitabilities)
		e.u16s(t.ConsecutiveFireCounts)
		e.u16s(t.ConsecutiveFireLimits)
		e.u16s(t.SnoozePeriods)
		e.flags(t.ChargeAccumulation)
		e.u32s(t.Areas)
		e.u32s(t.Coords)
		e.bools(t.Valid)
	}
	return e.b
}

func decodeNeurons(b []byte) ([]connectome.NeuronTable, error) {
	d := dec{b: b}
	n := d.count(1)
	out := make([]connectome.NeuronTable, 0, n)
	for i := 0; i < n; i++ {
		t := connectome.NeuronTable{
			Model:                 neural.ModelKind(d.u8()),
			SpanStart:             d.u32(),
			FreeIDs:               d.u32s(),
			MembranePotentials:    d.f32s(),
			Thresholds:            d.f32s(),
			ThresholdLimits:       d.f32s(),
			LeakCoefficients:      d.f32s(),
			RestingPotentials:     d.f32s(),
			RefractoryPeriods:     d.u16s(),
			RefractoryCountdowns:  d.u16s(),
			Excitabilities:        d.f32s(),
			ConsecutiveFireCounts: d.u16s(),
			ConsecutiveFireLimits: d.u16s(),
			SnoozePeriods:         d.u16s(),
			ChargeAccumulation:    d.flags(),
			Areas:                 d.u32s(),
			Coords:                d.u32s(),
			Valid:                 d.bools(),
		}
		out = append(out, t)
	}
	if d.err != nil {
		return nil, d.err
	}
	return out, nil
}

func encodeSynapses(t *connectome.SynapseTable) []byte {
	var e enc
	e.u32s(t.Sources)
	e.u32s(t.Targets)
	e.u8s(t.Weights)
	e.u8s(t.PSPs)
	e.u8s(t.Kinds)
	e.bools(t.Valid)
	return e.b
}

func decodeSynapses(b []byte) (connectome.SynapseTable, error) {
	d := dec{b: b}
	t := connectome.SynapseTable{
		Sources: d.u32s(),
		Targets: d.u32s(),
		Weights: d.u8s(),
		PSPs:    d.u8s(),
		Kinds:   d.u8s(),
		Valid:   d.bools(),
	}
	if d.err != nil {
		return connectome.SynapseTable{}, d.err
	}
	return t, nil
}
