// Package signals produces the host half of the Omniscient engine's
// Level-2 device-gate signal (engine.HostMetrics): CPU load, memory
// pressure, and a coarse thermal bucket, sampled from the local machine via
// gopsutil the same way the teacher's internal/collectors does for its own
// system-health payloads.
package signals

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/emberlink/hostd/internal/engine"
	"github.com/emberlink/hostd/internal/logging"
)

var log = logging.L("signals")

// thermalFairCelsius/thermalSeriousCelsius/thermalCriticalCelsius bucket the hottest reported sensor
// into engine.ThermalLevel. gopsutil exposes whatever sensors the platform
// publishes; a host with none reports ThermalNominal rather than guessing.
const (
	thermalFairCelsius     = 70.0
	thermalSeriousCelsius  = 80.0
	thermalCriticalCelsius = 90.0
)

// Sink receives each freshly-sampled HostMetrics reading. A host daemon
// serving several peers typically fans this out to every peer's
// engine.Engine.SetHostMetrics, since the reading is host-wide but each
// peer holds its own Engine instance.
type Sink func(engine.HostMetrics)

// Producer polls host CPU/memory/thermal sensors on an interval and pushes
// each reading to Sink.
type Producer struct {
	sink     Sink
	interval time.Duration

	stopCh chan struct{}
	done   chan struct{}
}

// NewProducer builds a Producer. interval <= 0 defaults to 2s, matching the
// teacher's own polling cadence for its system-metrics collector.
func NewProducer(sink Sink, interval time.Duration) *Producer {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Producer{sink: sink, interval: interval}
}

// Start begins the sample loop in its own goroutine. Safe to call once;
// call Stop to end it.
func (p *Producer) Start(ctx context.Context) {
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})
	go p.run(ctx)
}

// Stop ends the sample loop and waits for it to exit.
func (p *Producer) Stop() {
	if p.stopCh == nil {
		return
	}
	close(p.stopCh)
	<-p.done
}

func (p *Producer) run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.sampleOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sampleOnce()
		}
	}
}

func (p *Producer) sampleOnce() {
	m := engine.HostMetrics{}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		m.CPU = pct[0]
	} else if err != nil {
		log.Debug("cpu sample failed", "error", err)
	}

	if vmem, err := mem.VirtualMemory(); err == nil {
		m.Memory = vmem.UsedPercent
	} else {
		log.Debug("memory sample failed", "error", err)
	}

	m.Thermal = sampleThermal()

	p.sink(m)
}

func sampleThermal() engine.ThermalLevel {
	sensors, err := host.SensorsTemperatures()
	if err != nil || len(sensors) == 0 {
		return engine.ThermalNominal
	}

	hottest := 0.0
	for _, s := range sensors {
		if s.Temperature > hottest {
			hottest = s.Temperature
		}
	}

	switch {
	case hottest >= thermalCriticalCelsius:
		return engine.ThermalCritical
	case hottest >= thermalSeriousCelsius:
		return engine.ThermalSerious
	case hottest >= thermalFairCelsius:
		return engine.ThermalFair
	default:
		return engine.ThermalNominal
	}
}
