// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package cudart wraps the slice of the CUDA driver API and NVRTC that
the burst engine's CUDA backend needs: device and context setup,
device buffers, runtime kernel compilation, and launches.

Everything real lives behind the cuda build tag; without it the
package is empty and the engine's CUDA backend reports unavailable.
*/
package cudart
