package tensor

// Backend defines the kernels a recognition network needs from a compute device.
// Backends handle the actual computation; callers validate shapes first, so
// implementations may panic on malformed input.
//
// Implementations:
//   - CPU: Pure Go (internal/backend/cpu)
type Backend interface {
	// Conv2D convolves input [N, C_in, H, W] with kernel [C_out, C_in, K_h, K_w],
	// zero padding padH rows and padW columns on each side, stride 1.
	// bias [C_out] may be nil.
	Conv2D(input, kernel, bias *RawTensor, padH, padW int) *RawTensor

	// MaxPool2D pools [N, C, H, W] with a kernelH x kernelW window and equal stride.
	MaxPool2D(input *RawTensor, kernelH, kernelW int) *RawTensor

	// Linear computes x @ weight^T + bias for x [M, in], weight [out, in], bias [out].
	Linear(x, weight, bias *RawTensor) *RawTensor

	// Activation functions (element-wise)
	Sigmoid(x *RawTensor) *RawTensor
	Tanh(x *RawTensor) *RawTensor
	ReLU(x *RawTensor) *RawTensor

	// Softmax computes softmax along dimension dim.
	Softmax(x *RawTensor, dim int) *RawTensor

	// Metadata
	Name() string
	Device() Device
}
