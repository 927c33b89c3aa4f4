package cpu

import (
	"fmt"

	"github.com/born-ml/linerec/internal/parallel"
	"github.com/born-ml/linerec/internal/tensor"
)

// Conv2D performs 2D convolution using im2col algorithm.
//
// Input shape: [batch, in_channels, height, width]
// Kernel shape: [out_channels, in_channels, kernel_h, kernel_w]
// Bias shape: [out_channels] (optional)
// Output shape: [batch, out_channels, out_h, out_w]
//
// Stride is fixed at 1; padH/padW zero rows/columns are added on both sides, so
//
//	out_h = H + 2*padH - K_h + 1
//	out_w = W + 2*padW - K_w + 1
//
// Algorithm: Im2col
//  1. Transform input patches into columns (im2col)
//  2. Reshape kernel into matrix
//  3. Perform matrix multiplication
//  4. Reshape output to [N, C_out, H_out, W_out]
//
// Reference: "High Performance Convolutional Neural Networks for Document Processing"
// (Chellapilla et al., 2006).
func (cpu *CPUBackend) Conv2D(input, kernel, bias *tensor.RawTensor, padH, padW int) *tensor.RawTensor {
	requireFloat32("conv2d", input, kernel, bias)

	inputShape := input.Shape()
	kernelShape := kernel.Shape()

	if len(inputShape) != 4 {
		panic(tensor.ShapeErrorf("conv2d", "input must be 4D [N,C,H,W], got %dD", len(inputShape)))
	}
	if len(kernelShape) != 4 {
		panic(tensor.ShapeErrorf("conv2d", "kernel must be 4D [C_out,C_in,K_h,K_w], got %dD", len(kernelShape)))
	}

	N := inputShape[0]     // batch size
	CIn := inputShape[1]   // input channels
	H := inputShape[2]     // input height
	W := inputShape[3]     // input width
	COut := kernelShape[0] // output channels
	CInK := kernelShape[1] // kernel input channels (must match CIn)
	KH := kernelShape[2]   // kernel height
	KW := kernelShape[3]   // kernel width

	if CIn != CInK {
		panic(tensor.ShapeErrorf("conv2d", "input channels %d != kernel channels %d", CIn, CInK))
	}
	if bias != nil && bias.NumElements() != COut {
		panic(tensor.ShapeErrorf("conv2d", "bias has %d elements, expected %d", bias.NumElements(), COut))
	}

	HOut := H + 2*padH - KH + 1
	WOut := W + 2*padW - KW + 1
	if HOut <= 0 || WOut <= 0 {
		panic(tensor.ShapeErrorf("conv2d", "invalid output dimensions: out_h=%d, out_w=%d (check padding)", HOut, WOut))
	}

	output, err := tensor.NewRaw(tensor.Shape{N, COut, HOut, WOut}, tensor.Float32, cpu.device)
	if err != nil {
		panic(fmt.Sprintf("conv2d: failed to create output tensor: %v", err))
	}

	var biasData []float32
	if bias != nil {
		biasData = bias.AsFloat32()
	}

	conv2dFloat32(output.AsFloat32(), input.AsFloat32(), kernel.AsFloat32(), biasData,
		N, CIn, H, W, COut, KH, KW, HOut, WOut, padH, padW, cpu.parallel)

	return output
}

// conv2dFloat32 performs Conv2D for float32 using im2col.
//
// Algorithm:
//  1. Im2col: Transform [N, C, H, W] -> [N * H_out * W_out, C * K_h * K_w]
//  2. Kernel is already [C_out, C * K_h * K_w] in row-major layout
//  3. Dot products write straight into [N, C_out, H_out, W_out], one
//     goroutine chunk per (batch, output channel) range
func conv2dFloat32(outputData, inputData, kernelData, biasData []float32,
	N, CIn, H, W, COut, KH, KW, HOut, WOut, padH, padW int, cfg parallel.Config) {
	colWidth := CIn * KH * KW
	positions := HOut * WOut
	colBuf := make([]float32, N*positions*colWidth)

	im2colFloat32(colBuf, inputData, N, CIn, H, W, KH, KW, HOut, WOut, padH, padW)

	parallel.ForBatch(N, COut, func(n, c int) {
		kernelRow := kernelData[c*colWidth : (c+1)*colWidth]
		var b float32
		if biasData != nil {
			b = biasData[c]
		}
		outBase := (n*COut + c) * positions
		for p := 0; p < positions; p++ {
			col := colBuf[(n*positions+p)*colWidth : (n*positions+p+1)*colWidth]
			sum := b
			for k, kv := range kernelRow {
				sum += kv * col[k]
			}
			outputData[outBase+p] = sum
		}
	}, cfg)
}

// im2colFloat32 transforms input tensor into column matrix.
//
// Input: [N, C, H, W]
// Output: colBuf [N * H_out * W_out, C * K_h * K_w]
//
// Each row of colBuf corresponds to one output position.
// Each column corresponds to one kernel weight.
func im2colFloat32(colBuf, inputData []float32, N, C, H, W, KH, KW, HOut, WOut, padH, padW int) {
	colWidth := C * KH * KW
	colIdx := 0 // Current row in colBuf

	for n := 0; n < N; n++ {
		for outH := 0; outH < HOut; outH++ {
			for outW := 0; outW < WOut; outW++ {
				// Top-left corner in input space
				hStart := outH - padH
				wStart := outW - padW

				bufIdx := colIdx * colWidth

				for c := 0; c < C; c++ {
					for kh := 0; kh < KH; kh++ {
						for kw := 0; kw < KW; kw++ {
							h := hStart + kh
							w := wStart + kw

							if h >= 0 && h < H && w >= 0 && w < W {
								colBuf[bufIdx] = inputData[n*C*H*W+c*H*W+h*W+w]
							} else {
								colBuf[bufIdx] = 0.0
							}
							bufIdx++
						}
					}
				}

				colIdx++
			}
		}
	}
}
