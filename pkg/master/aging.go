package master

import (
	"time"
)

// agingLoop runs only under PRIORITY. It samples at a tenth of the
// aging interval, decrements priorities of queries that sat a full
// interval in ready, and follows every sweep with a preemption check.
func (m *Master) agingLoop() {
	defer m.wg.Done()

	interval := m.cfg.AgingInterval()
	tick := interval / 10
	if tick <= 0 {
		tick = interval
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	m.logger.Info().
		Dur("interval", interval).
		Dur("tick", tick).
		Msg("Aging task started")

	for {
		select {
		case <-ticker.C:
			m.queries.Lock()
			changed := m.queries.AgeReadyLocked(time.Now(), interval)
			m.queries.Unlock()
			if changed {
				m.logger.Debug().Msg("Aging re-sorted ready queue")
			}
			m.CheckPreemption()
		case <-m.agingStop:
			return
		}
	}
}
