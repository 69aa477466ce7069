package nvml

import (
	"sync"

	"github.com/worldland/worldland-broker/internal/domain"
)

// MockGPUProvider serves fixed GPU data. The agent falls back to it when NVML is unavailable.
type MockGPUProvider struct {
	mu         sync.Mutex
	Metrics    []domain.GPUMetrics
	InitErr    error
	MetricsErr error
	shutdown   bool
}

func NewMockGPUProvider(metrics []domain.GPUMetrics) *MockGPUProvider {
	return &MockGPUProvider{Metrics: metrics}
}

// NewDemoProvider returns a provider reporting two idle 16 GiB GPUs.
func NewDemoProvider() *MockGPUProvider {
	return NewMockGPUProvider([]domain.GPUMetrics{
		{Index: 0, UUID: "GPU-mock-0", Name: "Mock GPU", MemoryTotal: 16384},
		{Index: 1, UUID: "GPU-mock-1", Name: "Mock GPU", MemoryTotal: 16384},
	})
}

func (p *MockGPUProvider) Init() error {
	return p.InitErr
}

func (p *MockGPUProvider) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdown = true
	return nil
}

// IsShutdown reports whether Shutdown has been called.
func (p *MockGPUProvider) IsShutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutdown
}

func (p *MockGPUProvider) GetDeviceCount() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Metrics), nil
}

func (p *MockGPUProvider) GetMetrics() ([]domain.GPUMetrics, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.MetricsErr != nil {
		return nil, p.MetricsErr
	}
	return append([]domain.GPUMetrics(nil), p.Metrics...), nil
}

// SetMetrics replaces the reported metrics.
func (p *MockGPUProvider) SetMetrics(metrics []domain.GPUMetrics) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Metrics = metrics
}

// Compile-time interface check
var _ domain.GPUProvider = (*MockGPUProvider)(nil)
