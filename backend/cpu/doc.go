// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpu provides the pure Go CPU backend used by recognition networks.
//
// # Overview
//
// This package implements:
//   - Convolution with zero padding via im2col
//   - Max pooling
//   - Linear projections for LSTM gates and output layers
//   - Sigmoid, Tanh, ReLU and Softmax
//
// # Basic Usage
//
//	import "github.com/born-ml/linerec/backend/cpu"
//
//	func main() {
//	    backend := cpu.New()
//	    fmt.Println(backend.Name(), backend.Features())
//	}
//
// # Thread Safety
//
// The CPU backend is safe for concurrent use. Each tensor operation
// is isolated and does not share mutable state.
package cpu
