package cpu

import (
	"fmt"
	"math"

	"github.com/born-ml/linerec/internal/tensor"
)

// MaxPool2D performs 2D max pooling with stride equal to the window size.
//
// Input shape:  [batch, channels, height, width]
// Output shape: [batch, channels, height / kernelH, width / kernelW]
//
// Trailing rows and columns that do not fill a whole window are dropped.
//
// Example (2x2 pool):
//
//	Input: [[1,2,3,4],    Output: [[6,8],
//	        [5,6,7,8],             [14,16]]
//	        [9,10,11,12],
//	        [13,14,15,16]]
func (cpu *CPUBackend) MaxPool2D(input *tensor.RawTensor, kernelH, kernelW int) *tensor.RawTensor {
	requireFloat32("maxpool2d", input)

	inputShape := input.Shape()
	if len(inputShape) != 4 {
		panic(tensor.ShapeErrorf("maxpool2d", "expected 4D input [N,C,H,W], got %dD", len(inputShape)))
	}

	N := inputShape[0] // batch size
	C := inputShape[1] // channels
	H := inputShape[2] // height
	W := inputShape[3] // width

	if kernelH <= 0 || kernelW <= 0 {
		panic(fmt.Sprintf("maxpool2d: invalid kernel size %dx%d", kernelH, kernelW))
	}

	HOut := H / kernelH
	WOut := W / kernelW
	if HOut <= 0 || WOut <= 0 {
		panic(tensor.ShapeErrorf("maxpool2d", "kernel %dx%d too large for input %dx%d", kernelH, kernelW, H, W))
	}

	output, err := tensor.NewRaw(tensor.Shape{N, C, HOut, WOut}, tensor.Float32, cpu.device)
	if err != nil {
		panic(fmt.Sprintf("maxpool2d: failed to create output: %v", err))
	}

	maxpool2dFloat32(output.AsFloat32(), input.AsFloat32(), N, C, H, W, HOut, WOut, kernelH, kernelW)

	return output
}

// maxpool2dFloat32 performs max pooling for float32 tensors.
func maxpool2dFloat32(outputData, inputData []float32, N, C, H, W, HOut, WOut, kernelH, kernelW int) {
	for n := 0; n < N; n++ {
		for c := 0; c < C; c++ {
			// Pre-slice channel plane: eliminates (n*C+c)*H*W bounds check
			channelOffset := (n*C + c) * H * W
			channelData := inputData[channelOffset : channelOffset+H*W]

			for outH := 0; outH < HOut; outH++ {
				hStart := outH * kernelH

				for outW := 0; outW < WOut; outW++ {
					wStart := outW * kernelW

					maxVal := float32(math.Inf(-1))
					for kh := 0; kh < kernelH; kh++ {
						rowStart := (hStart + kh) * W
						rowData := channelData[rowStart : rowStart+W]

						for kw := 0; kw < kernelW; kw++ {
							if val := rowData[wStart+kw]; val > maxVal {
								maxVal = val
							}
						}
					}

					outputData[((n*C+c)*HOut+outH)*WOut+outW] = maxVal
				}
			}
		}
	}
}
