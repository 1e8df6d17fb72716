// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !cuda

package backend

import (
	"github.com/spikeforge/npu/connectome"
	"github.com/spikeforge/npu/fire"
	"github.com/spikeforge/npu/neural"
)

func cudaAvailable() bool { return false }

func newCUDA(st *connectome.State, res fire.Resolver) (Compute, error) {
	return nil, &neural.UnavailableError{Backend: CUDA.String(), Reason: "built without cuda support"}
}
