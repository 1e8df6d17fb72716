// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package align

import (
	"strings"
	"testing"
)

type goodParams struct {
	Count uint32
	Burst uint32
	Mode  int32
	Pad   uint32
}

type oddSize struct {
	A uint32
	B uint32
	C uint32
}

type wideField struct {
	A uint32
	B float64
}

type paddedField struct {
	Flag bool
	A    uint32
}

func TestCheckStruct(t *testing.T) {
	if err := CheckStruct(goodParams{}); err != nil {
		t.Errorf("good struct rejected: %v", err)
	}
	if err := CheckStruct(&goodParams{}); err != nil {
		t.Errorf("pointer form rejected: %v", err)
	}
	if err := CheckStruct(oddSize{}); err == nil || !strings.Contains(err.Error(), "multiple of 16") {
		t.Errorf("12-byte struct must fail the 16-byte rule, got %v", err)
	}
	if err := CheckStruct(wideField{}); err == nil || !strings.Contains(err.Error(), "32-bit scalar") {
		t.Errorf("float64 field must be rejected, got %v", err)
	}
	if err := CheckStruct(paddedField{}); err == nil {
		t.Error("bool field with padding must be rejected")
	}
	if err := CheckStruct(42); err == nil {
		t.Error("non-struct must be rejected")
	}
}
