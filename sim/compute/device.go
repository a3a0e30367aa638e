package compute

// DeviceBackend is the accelerator binding. No device kernels are linked into
// this build, so no device is ever present and work is delegated to a CPU
// pool.
type DeviceBackend struct {
	cpu *CPUBackend
}

// NewDeviceBackend returns a backend that reports itself unavailable.
func NewDeviceBackend(workers int) *DeviceBackend {
	return &DeviceBackend{cpu: NewCPUBackend(workers)}
}

func (d *DeviceBackend) Name() string    { return "device (not available)" }
func (d *DeviceBackend) Available() bool { return false }
func (d *DeviceBackend) IsDevice() bool  { return false }
func (d *DeviceBackend) Workers() int    { return d.cpu.Workers() }
func (d *DeviceBackend) Close()          {}

func (d *DeviceBackend) ParallelFor(n, minChunk int, fn func(start, end int)) {
	d.cpu.ParallelFor(n, minChunk, fn)
}
