package orchestrator

import (
	"sync/atomic"

	"autotask_engine/internal/model"
)

// limitsSettingsBox 运行期可改的批次参数，读多写少，放 atomic.Value。
type limitsSettingsBox struct {
	v atomic.Value
}

func (b *limitsSettingsBox) store(s model.LimitsSettings) {
	b.v.Store(s)
}

func (b *limitsSettingsBox) load() model.LimitsSettings {
	s, _ := b.v.Load().(model.LimitsSettings)
	return s
}

func normalizeLimitsSettings(s model.LimitsSettings) model.LimitsSettings {
	if s.BatchConcurrency <= 0 {
		s.BatchConcurrency = 1
	}
	if s.BatchConcurrency > 10 {
		s.BatchConcurrency = 10
	}
	return s
}

// LimitsSettings 当前生效的批次参数。
func (o *Orchestrator) LimitsSettings() model.LimitsSettings {
	return o.limitsSettings.load()
}

// SetLimitsSettings 更新批次参数，只影响之后启动的批次。
func (o *Orchestrator) SetLimitsSettings(s model.LimitsSettings) model.LimitsSettings {
	s = normalizeLimitsSettings(s)
	o.limitsSettings.store(s)
	if o.bus != nil {
		o.bus.Log("info", "批次参数已更新", map[string]any{
			"batchConcurrency": s.BatchConcurrency,
		})
	}
	return s
}
