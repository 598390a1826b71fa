package engine

import (
	"time"

	"blockstore/index"
	"blockstore/journal"
)

// beginWrite records admission time and bumps write_iodepth for a write
// or delete that has just been durably submitted, mirroring
// blockstore_write.cpp's write_iodepth++ at the point its SQE is actually
// submitted (lines 342 and 409) rather than at enqueue time, since a
// submission can be parked and retried first.
func (e *Engine) beginWrite(oid journal.OID, version uint64) {
	e.writeIodepth++
	e.writeBegin[pendingKey{oid, version}] = time.Now()
}

// completeWrite delivers entry's result to its caller, decrementing
// write_iodepth once the ack actually fires (blockstore_write.cpp line
// 698) and, for a SMALL_WRITE with throttling enabled, only after
// applying the continue_write delay (throttleSmallWrite). Entries
// reconstructed by journal replay were never passed to beginWrite and
// have no recorded start time; those complete immediately.
func (e *Engine) completeWrite(entry *index.DirtyEntry, r Result) {
	key := pendingKey{entry.OID, entry.Version}
	begin, tracked := e.writeBegin[key]
	delete(e.writeBegin, key)

	finish := func() {
		if tracked {
			e.writeIodepth--
		}
		e.completePending(entry.OID, entry.Version, r)
	}

	if !tracked || entry.Kind != index.KindSmallWrite || !e.cfg.ThrottleSmallWrites {
		finish()
		return
	}
	e.throttleSmallWrite(entry, begin, finish)
}

// throttleSmallWrite reproduces continue_write's small-write throttle
// (blockstore_write.cpp lines 660-693) verbatim: a target execution time
// is derived from the current write_iodepth relative to
// throttle_target_parallelism, scaled by a per-IOP and per-byte cost
// (throttle_target_iops, throttle_target_mbs), then discounted by how
// much of the journal is currently free -- a fully free journal has zero
// target delay, a fully-used one pays the whole computed cost. If actual
// execution already came within throttle_threshold_us of that target (or
// took longer), the write acks immediately; otherwise finish is deferred
// by the shortfall via a one-shot timer that re-enters the loop
// goroutine through Submit, matching the original's timer-driven
// op_state resume.
func (e *Engine) throttleSmallWrite(entry *index.DirtyEntry, begin time.Time, finish func()) {
	parallelism := e.cfg.ThrottleTargetParallelism
	iops := e.cfg.ThrottleTargetIOPS
	mbs := e.cfg.ThrottleTargetMBs
	if parallelism <= 0 || iops <= 0 || mbs <= 0 {
		finish()
		return
	}

	execUs := float64(time.Since(begin).Microseconds())
	refUs := throttleTargetUs(float64(e.writeIodepth), parallelism, iops, mbs, entry.Len, e.journal.FreeFraction())

	if refUs <= execUs+e.cfg.ThrottleThresholdUS {
		finish()
		return
	}

	delay := time.Duration(refUs-execUs) * time.Microsecond
	e.metrics.throttleDelay.Observe(delay.Seconds())
	time.AfterFunc(delay, func() {
		e.Submit(&Op{resume: finish})
	})
}

// throttleTargetUs is continue_write's piecewise target-execution-time
// formula in isolation (blockstore_write.cpp lines 677-680): depth over
// parallelism scales a per-write cost of (1/iops + length/bandwidth), and
// freeFraction (1.0 = journal entirely unreserved) discounts that cost
// linearly down to zero.
func throttleTargetUs(depth, parallelism, iops, mbs float64, length uint64, freeFraction float64) float64 {
	pct := 100.0
	if depth > parallelism {
		pct = 100 * depth / parallelism
	}
	refUs := pct * (1000000/iops + float64(length)*1000000/mbs/1024/1024) / 100
	refUs -= refUs * freeFraction
	return refUs
}
