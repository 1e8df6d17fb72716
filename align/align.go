// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package align validates the memory layout of structs that are copied
byte-for-byte into GPU parameter buffers. WGSL and CUDA read these
buffers with their own layout rules, so the Go side must be all 32-bit
scalar fields, no compiler-inserted padding, and a total size that is an
even multiple of 16 bytes. The checks run once at backend init and in
tests; a violation is a programming error, not a runtime condition.
*/
package align

import (
	"fmt"
	"reflect"
	"strings"
)

// CheckStruct verifies the GPU layout rules for v, which must be a
// struct or pointer to struct. It returns an error naming every
// violation, or nil.
func CheckStruct(v any) error {
	t := reflect.TypeOf(v)
	if t == nil {
		return fmt.Errorf("align: nil value")
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return fmt.Errorf("align: %s is not a struct", t)
	}
	var probs []string
	off := uintptr(0)
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		switch f.Type.Kind() {
		case reflect.Uint32, reflect.Int32, reflect.Float32:
		default:
			probs = append(probs, fmt.Sprintf("%s: type %s is not a 32-bit scalar", f.Name, f.Type))
			continue
		}
		if f.Offset != off {
			probs = append(probs, fmt.Sprintf("%s: offset %d, want %d (padding inserted)", f.Name, f.Offset, off))
		}
		off = f.Offset + f.Type.Size()
	}
	if sz := t.Size(); sz%16 != 0 {
		probs = append(probs, fmt.Sprintf("total size %d is not a multiple of 16", sz))
	}
	if len(probs) > 0 {
		return fmt.Errorf("align: %s: %s", t.Name(), strings.Join(probs, "; "))
	}
	return nil
}
