package rxcore

import "time"

// runWatchdog implements the available_data_bufs safety net (spec.md §9
// Open Question 1, resolved as a logged reset rather than a correctness
// mechanism: see DESIGN.md). If the internal packet pools have been fully
// exhausted for longer than AvailableBufsWatchdogInterval, rxrep force-
// grows both pools by one chunk and emits a single warning. This never runs
// on a healthy endpoint; pool exhaustion recovers on its own once in-flight
// packets complete and are released.
func (ep *Endpoint) runWatchdog() {
	exhausted := ep.packetPoolNIC != nil && ep.packetPoolNIC.InUse() >= ep.packetPoolNIC.capacity && ep.packetPoolNIC.capacity > 0
	if ep.packetPoolSHM != nil {
		exhausted = exhausted || (ep.packetPoolSHM.InUse() >= ep.packetPoolSHM.capacity && ep.packetPoolSHM.capacity > 0)
	}

	now := time.Now()
	if !exhausted {
		ep.availableBufsExhaustedSince = time.Time{}
		return
	}
	if ep.availableBufsExhaustedSince.IsZero() {
		ep.availableBufsExhaustedSince = now
		return
	}
	if now.Sub(ep.availableBufsExhaustedSince) < ep.cfg.AvailableBufsWatchdogInterval {
		return
	}

	ep.watchdogResets++
	ep.warn("rxrep: available_data_bufs watchdog reset #%d after sustained pool exhaustion", ep.watchdogResets)
	_ = ep.packetPoolNIC.Grow()
	if ep.packetPoolSHM != nil {
		_ = ep.packetPoolSHM.Grow()
	}
	ep.availableBufsExhaustedSince = time.Time{}
}
