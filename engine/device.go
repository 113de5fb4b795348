package engine

// DeviceClass describes the compute device the embedding backend runs on.
// It drives the full-image embedding batch size only; crop chunking is
// configured separately because crops are small and memory-cheap.
type DeviceClass int

const (
	// DeviceCPU is the conservative default.
	DeviceCPU DeviceClass = iota
	// DeviceIntegratedGPU covers shared-memory GPUs.
	DeviceIntegratedGPU
	// DeviceDiscreteGPU covers dedicated-memory GPUs.
	DeviceDiscreteGPU
)

// EmbedBatchSize returns the full-image batch size for the device class.
func (d DeviceClass) EmbedBatchSize() int {
	switch d {
	case DeviceDiscreteGPU:
		return 64
	case DeviceIntegratedGPU:
		return 32
	default:
		return 16
	}
}

// String implements fmt.Stringer.
func (d DeviceClass) String() string {
	switch d {
	case DeviceDiscreteGPU:
		return "discrete-gpu"
	case DeviceIntegratedGPU:
		return "integrated-gpu"
	default:
		return "cpu"
	}
}
