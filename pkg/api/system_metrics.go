package api

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

const cpuSampleInterval = 500 * time.Millisecond

// handleSystem handles GET /api/system.
func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	m := collectSystemMetrics(r.Context())
	resp := SystemResponse{
		CPUPercent:   m.cpuPercent,
		MemUsedBytes: m.memUsed,
		MemTotal:     m.memTotal,
		MemPercent:   m.memPercent,
		Goroutines:   runtime.NumGoroutine(),
		GoVersion:    runtime.Version(),
	}
	if m.temperatureOK {
		resp.TemperatureC = m.temperatureC
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type systemMetrics struct {
	cpuPercent    float64
	memUsed       uint64
	memTotal      uint64
	memPercent    float64
	temperatureC  float64
	temperatureOK bool
}

func collectSystemMetrics(ctx context.Context) systemMetrics {
	var m systemMetrics

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err == nil {
		// Percent reports per-core usage; normalize to 0-100 across cores.
		if pct, err := proc.PercentWithContext(ctx, cpuSampleInterval); err == nil {
			if n := runtime.NumCPU(); n > 0 {
				m.cpuPercent = pct / float64(n)
			} else {
				m.cpuPercent = pct
			}
		} else if pcts, err := cpu.PercentWithContext(ctx, cpuSampleInterval, false); err == nil && len(pcts) > 0 {
			m.cpuPercent = pcts[0]
		}

		if info, err := proc.MemoryInfoWithContext(ctx); err == nil {
			m.memUsed = info.RSS
		}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.memTotal = vm.Total
		if m.memTotal > 0 && m.memUsed > 0 {
			m.memPercent = float64(m.memUsed) / float64(m.memTotal) * 100
		}
	}

	// Sensors are usually absent in containers; best effort only.
	if temps, err := host.SensorsTemperaturesWithContext(ctx); err == nil {
		var sum, count float64
		for _, sensor := range temps {
			if sensor.Temperature == 0 {
				continue
			}
			sum += sensor.Temperature
			count++
			key := strings.ToLower(sensor.SensorKey)
			if strings.Contains(key, "package") || strings.Contains(key, "cpu") {
				m.temperatureC = sensor.Temperature
				m.temperatureOK = true
				break
			}
		}
		if !m.temperatureOK && count > 0 {
			m.temperatureC = sum / count
			m.temperatureOK = true
		}
	}

	return m
}
