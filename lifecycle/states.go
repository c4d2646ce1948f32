// Package lifecycle is the single authority for participant state
// transitions. Every state change in the system, including guardian
// repairs, goes through Machine.Transition; the participant row's state
// column is the only truth.
package lifecycle

import (
	"errors"

	"cupid/storage"
)

// ErrInvalidTransition reports a requested state change not allowed from
// the participant's current state. The state is left untouched.
var ErrInvalidTransition = errors.New("invalid state transition")

// allowedEdges is the closed transition table. An edge absent here is
// rejected; soft_offline entry/exit is handled separately because the exit
// target depends on the remembered prior state.
var allowedEdges = map[storage.State][]storage.State{
	storage.StateIdle: {
		storage.StateSpinActive, storage.StateIdle, storage.StateEnded,
		storage.StateSoftOffline,
	},
	storage.StateSpinActive: {
		storage.StateQueueWaiting, storage.StatePaired, storage.StateIdle,
		storage.StateEnded, storage.StateSoftOffline,
	},
	storage.StateQueueWaiting: {
		storage.StatePaired, storage.StateSpinActive, storage.StateIdle,
		storage.StateEnded, storage.StateSoftOffline,
	},
	storage.StatePaired: {
		storage.StateVoteActive, storage.StateSpinActive, storage.StateIdle,
		storage.StateEnded, storage.StateSoftOffline,
	},
	storage.StateVoteActive: {
		storage.StateVideoDate, storage.StateSpinActive, storage.StateIdle,
		storage.StateEnded, storage.StateSoftOffline,
	},
	storage.StateVideoDate: {
		storage.StateIdle, storage.StateSpinActive, storage.StateEnded,
		storage.StateSoftOffline,
	},
	storage.StateSoftOffline: {
		storage.StateIdle, storage.StateEnded,
	},
	storage.StateEnded: {},
}

// EdgeAllowed reports whether from → to is in the table.
func EdgeAllowed(from, to storage.State) bool {
	for _, v := range allowedEdges[from] {
		if v == to {
			return true
		}
	}
	return false
}

// sourcesFor returns every state that may legally move to target,
// restricted to the candidate set when it is non-empty.
func sourcesFor(target storage.State, candidates []storage.State) []storage.State {
	var out []storage.State
	if len(candidates) == 0 {
		for from := range allowedEdges {
			if EdgeAllowed(from, target) {
				out = append(out, from)
			}
		}
		return out
	}
	for _, from := range candidates {
		if EdgeAllowed(from, target) {
			out = append(out, from)
		}
	}
	return out
}
