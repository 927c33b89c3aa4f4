package cpu

import (
	"fmt"

	"github.com/born-ml/linerec/internal/parallel"
	"github.com/born-ml/linerec/internal/tensor"
)

// Linear computes x @ weight^T + bias.
//
//	x:      [M, in]
//	weight: [out, in]
//	bias:   [out] (optional)
//	result: [M, out]
func (cpu *CPUBackend) Linear(x, weight, bias *tensor.RawTensor) *tensor.RawTensor {
	requireFloat32("linear", x, weight, bias)

	xShape := x.Shape()
	wShape := weight.Shape()
	if len(xShape) != 2 || len(wShape) != 2 {
		panic(tensor.ShapeErrorf("linear", "only 2D tensors supported, got %dD input and %dD weight", len(xShape), len(wShape)))
	}

	m, in := xShape[0], xShape[1]
	out, inAlt := wShape[0], wShape[1]
	if in != inAlt {
		panic(tensor.ShapeErrorf("linear", "shape mismatch %v @ %v^T", xShape, wShape))
	}
	if bias != nil && bias.NumElements() != out {
		panic(tensor.ShapeErrorf("linear", "bias has %d elements, expected %d", bias.NumElements(), out))
	}

	result, err := tensor.NewRaw(tensor.Shape{m, out}, tensor.Float32, cpu.device)
	if err != nil {
		panic(fmt.Sprintf("linear: failed to create result tensor: %v", err))
	}

	var biasData []float32
	if bias != nil {
		biasData = bias.AsFloat32()
	}
	linearFloat32(result.AsFloat32(), x.AsFloat32(), weight.AsFloat32(), biasData, m, in, out, cpu.parallel)

	return result
}

// linearFloat32 computes C[i,j] = bias[j] + sum_k X[i,k] * W[j,k].
// Rows are independent and split across workers.
func linearFloat32(c, x, w, bias []float32, m, in, out int, cfg parallel.Config) {
	parallel.For(m, func(i int) {
		row := x[i*in : (i+1)*in]
		for j := 0; j < out; j++ {
			wRow := w[j*in : (j+1)*in]
			var sum float32
			if bias != nil {
				sum = bias[j]
			}
			for k, v := range row {
				sum += v * wRow[k]
			}
			c[i*out+j] = sum
		}
	}, cfg)
}
