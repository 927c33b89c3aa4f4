// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor exposes the tensor types used to feed text lines to a
// recognizer and to read its outputs.
//
// # Overview
//
// A line is a float32 RawTensor of shape (C, H, W). Recognizers return a
// (classes, W) score matrix from Forward.
//
// # Basic Usage
//
//	import "github.com/born-ml/linerec/tensor"
//
//	func main() {
//	    line, err := tensor.FromFloat32(pixels, tensor.Shape{1, 48, width})
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    scores, err := recognizer.Forward(line)
//	}
//
// # Device Support
//
// Devices are named as in ParseDevice ("cpu", "cuda:0", "mps"). Only the CPU
// backend is available; other devices are rejected when a model is placed.
package tensor
