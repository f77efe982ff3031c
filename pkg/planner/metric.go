package planner

import (
	"fmt"

	"github.com/docent-net/cluster-rolling-upgrader/pkg/cluster"
)

const (
	MetricCPU     = "cpu"
	MetricMemory  = "memory"
	MetricBlended = "blended"
)

// LoadMetric turns allocated/total capacity into a single load ratio. Higher means busier.
type LoadMetric interface {
	Ratio(allocated, total cluster.Resources) float64
	Name() string
}

type CPUMetric struct{}

func (CPUMetric) Name() string { return MetricCPU }

func (CPUMetric) Ratio(allocated, total cluster.Resources) float64 {
	return share(allocated.CPU, total.CPU)
}

type MemoryMetric struct{}

func (MemoryMetric) Name() string { return MetricMemory }

func (MemoryMetric) Ratio(allocated, total cluster.Resources) float64 {
	return share(float64(allocated.Memory), float64(total.Memory))
}

// BlendedMetric is the weighted mean of the CPU and memory ratios.
type BlendedMetric struct {
	CPUWeight    float64
	MemoryWeight float64
}

func (BlendedMetric) Name() string { return MetricBlended }

func (b BlendedMetric) Ratio(allocated, total cluster.Resources) float64 {
	sum := b.CPUWeight + b.MemoryWeight
	if sum <= 0 {
		return 0
	}
	cpu := share(allocated.CPU, total.CPU)
	mem := share(float64(allocated.Memory), float64(total.Memory))
	return (cpu*b.CPUWeight + mem*b.MemoryWeight) / sum
}

// MetricFromName builds the metric named in configuration.
func MetricFromName(name string, cpuWeight, memoryWeight float64) (LoadMetric, error) {
	switch name {
	case MetricCPU:
		return CPUMetric{}, nil
	case MetricMemory:
		return MemoryMetric{}, nil
	case MetricBlended, "":
		if cpuWeight <= 0 && memoryWeight <= 0 {
			cpuWeight, memoryWeight = 1, 1
		}
		if cpuWeight < 0 || memoryWeight < 0 {
			return nil, fmt.Errorf("blended metric weights must not be negative: cpu=%v memory=%v", cpuWeight, memoryWeight)
		}
		return BlendedMetric{CPUWeight: cpuWeight, MemoryWeight: memoryWeight}, nil
	default:
		return nil, fmt.Errorf("unknown load metric %q", name)
	}
}

func share(alloc, total float64) float64 {
	if total == 0 {
		if alloc == 0 {
			return 0
		}
		return 1
	}
	return alloc / total
}
