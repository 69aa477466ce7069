//go:build !nonvml
// +build !nonvml

package nvml

import (
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/worldland/worldland-broker/internal/domain"
)

const bytesPerMiB = 1024 * 1024

type NVMLProvider struct{}

func NewNVMLProvider() *NVMLProvider {
	return &NVMLProvider{}
}

func (p *NVMLProvider) Init() error {
	ret := nvml.Init()
	if ret != nvml.SUCCESS {
		return fmt.Errorf("NVML init failed: %v", nvml.ErrorString(ret))
	}
	return nil
}

func (p *NVMLProvider) Shutdown() error {
	ret := nvml.Shutdown()
	if ret != nvml.SUCCESS {
		return fmt.Errorf("NVML shutdown failed: %v", nvml.ErrorString(ret))
	}
	return nil
}

func (p *NVMLProvider) GetDeviceCount() (int, error) {
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("failed to get device count: %v", nvml.ErrorString(ret))
	}
	return count, nil
}

// GetMetrics reads memory figures and compute processes for every device.
// Devices whose handle cannot be obtained are skipped.
func (p *NVMLProvider) GetMetrics() ([]domain.GPUMetrics, error) {
	count, err := p.GetDeviceCount()
	if err != nil {
		return nil, err
	}

	metrics := make([]domain.GPUMetrics, 0, count)
	for i := 0; i < count; i++ {
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			continue // Skip failed device
		}

		uuid, _ := device.GetUUID()
		name, _ := device.GetName()
		memInfo, ret := device.GetMemoryInfo()
		if ret != nvml.SUCCESS {
			continue
		}
		util, _ := device.GetUtilizationRates()

		procs, ret := device.GetComputeRunningProcesses()
		if ret != nvml.SUCCESS {
			procs = nil
		}
		pm := make([]domain.GPUProcessMetrics, 0, len(procs))
		for _, proc := range procs {
			pm = append(pm, domain.GPUProcessMetrics{
				PID:          proc.Pid,
				UsedMemoryMB: proc.UsedGpuMemory / bytesPerMiB,
			})
		}

		metrics = append(metrics, domain.GPUMetrics{
			Index:       i,
			UUID:        uuid,
			Name:        name,
			MemoryTotal: memInfo.Total / bytesPerMiB,
			MemoryUsed:  memInfo.Used / bytesPerMiB,
			GPUUtil:     util.Gpu,
			Processes:   pm,
		})
	}
	return metrics, nil
}

// Compile-time interface check
var _ domain.GPUProvider = (*NVMLProvider)(nil)
