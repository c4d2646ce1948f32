package configs

import "sync/atomic"

var seqID = uint64(0)

// NextID returns a process-unique increasing identifier. The Postgres
// engine allocates match ids from BIGSERIAL instead; this counter feeds the
// memory engine and the simulator.
func NextID() uint64 {
	return atomic.AddUint64(&seqID, 1)
}
