package pgm

import "time"

// scheduleAmbientSPM arms the recurring ambient SPM: every
// SpmAmbientIvl, the source advertises its current (trail, lead) so
// receivers can detect loss even during periods of idle traffic.
// Re-arms itself on every firing for as long as the Transport runs.
func (t *Transport) scheduleAmbientSPM() {
	deadline := t.clock.Now().Add(t.cfg.SpmAmbientIvl)
	t.wheel.Schedule(deadline, func(time.Time) {
		t.sendSPM()
		t.scheduleAmbientSPM()
	})
}

// defaultSpmHeartbeatSchedule builds a geometric back-off schedule for
// Configs that don't specify their own: start at 100ms, double each
// step, stop once a step would reach the ambient interval (the
// ambient timer covers everything past that).
func defaultSpmHeartbeatSchedule(ambient time.Duration) []time.Duration {
	var sched []time.Duration
	for d := 100 * time.Millisecond; d < ambient; d *= 2 {
		sched = append(sched, d)
	}
	return sched
}

// triggerHeartbeatSPM starts (or restarts) the geometric back-off
// chain of extra SPMs that follows an ODATA burst, so receivers that
// missed the burst learn about the new trail/lead sooner than the
// next ambient SPM. A chain already in flight is canceled and
// replaced: one active heartbeat schedule per transport at a time.
func (t *Transport) triggerHeartbeatSPM() {
	if t.heartbeatHandle != 0 {
		t.wheel.Cancel(t.heartbeatHandle)
		t.heartbeatHandle = 0
	}
	t.armHeartbeatStep(0)
}

func (t *Transport) armHeartbeatStep(i int) {
	schedule := t.cfg.SpmHeartbeatSchedule
	if i >= len(schedule) {
		return
	}
	deadline := t.clock.Now().Add(schedule[i])
	t.heartbeatHandle = t.wheel.Schedule(deadline, func(time.Time) {
		t.heartbeatHandle = 0
		t.sendSPM()
		t.armHeartbeatStep(i + 1)
	})
}

func (t *Transport) sendSPM() {
	t.spmSqn++
	trail, lead := t.txw.OnSPMRequest()
	m := SPM{Header: t.localHeader(), Sqn: t.spmSqn, Trail: trail, Lead: lead, NLA: t.cfg.NLA}
	buf, err := EncodeSPM(m)
	if err != nil {
		t.log.Warn("failed to encode SPM", "err", err)
		return
	}
	if err := t.admitAndSend(buf); err != nil {
		t.log.Warn("failed to send SPM", "err", err)
	}
}

// schedulePeerExpiry arms the recurring sweep that tears down peers
// with no activity inside PeerExpiry. Runs at twice that frequency so
// a peer is never more than half an interval late to be reaped.
func (t *Transport) schedulePeerExpiry() {
	deadline := t.clock.Now().Add(t.cfg.PeerExpiry / 2)
	t.wheel.Schedule(deadline, func(now time.Time) {
		for _, p := range t.peers.Expire(now) {
			t.log.Debug("peer expired", "tsi", p.TSI, "log_id", p.LogID, "last_seen", p.LastSeen())
		}
		t.cfg.Metrics.SetPeerCount(t.peers.Len())
		t.schedulePeerExpiry()
	})
}
