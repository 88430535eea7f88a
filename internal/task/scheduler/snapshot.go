package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	tz := s.cfg.Timezone
	defs := make([]scheduleDef, len(s.defs))
	copy(defs, s.defs)
	c := s.c
	loc := s.loc
	s.mu.Unlock()

	if loc == nil {
		loc = time.Local
	}
	if tz == "" {
		tz = loc.String()
	}

	items := make([]ScheduleInfo, 0, len(defs))
	for _, d := range defs {
		it := ScheduleInfo{
			ID:       d.id,
			Name:     d.name,
			Spec:     d.spec,
			Timeout:  d.timeout,
			Running:  d.state.running.Load(),
			Runs:     d.state.runs.Load(),
			Skipped:  d.state.skipped.Load(),
			Failures: d.state.failures.Load(),
		}
		d.state.mu.Lock()
		it.LastRun = d.state.lastRun
		it.LastDur = d.state.lastDur
		if d.state.lastErr != nil {
			it.LastErr = d.state.lastErr.Error()
		}
		d.state.mu.Unlock()
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		items = append(items, it)
	}
	return Snapshot{Started: c != nil, Timezone: tz, Schedules: items}
}
