// Package unit defines the shared contract every unit kind implements
// (service, socket, mount, timer, path) plus the condition-evaluation
// and exit-status-set helpers common to all of them. Kind-specific
// lifecycle machines live in the unit/service, unit/socket, unit/mount,
// unit/timer and unit/path subpackages; this package holds only what is
// truly common, so that the registry can hold a single
// map[types.UnitID]Machine instead of one tagged union branch per kind.
package unit

import (
	"context"
	"time"

	"github.com/ravend/raven/pkg/types"
)

// Meta is the kind-independent state every unit carries regardless of
// which machine governs its ActiveState: load bookkeeping, description,
// documentation URLs, and the four lifecycle timestamps.
type Meta struct {
	ID          types.UnitID
	Description string
	Documentation []string
	FragmentPath  string
	DropInPaths   []string
	Load        types.LoadState
	Active      types.ActiveState
	SubState    string
	Timestamps  types.Timestamps
	Transient   bool
	Origin      types.OriginMask
}

// Event is delivered to the manager whenever a unit's ActiveState or
// SubState changes, so the job engine and control-socket notification
// path can react without polling.
type Event struct {
	ID        types.UnitID
	Active    types.ActiveState
	SubState  string
	Result    types.ServiceResult
	Timestamp time.Time
}

// Sink receives unit lifecycle events. The manager implements it and
// passes itself to every Machine at construction time.
type Sink interface {
	UnitStateChanged(Event)
}

// Machine is the tagged-variant interface every unit kind implements
// exactly once. The core never switches on unit kind outside of
// construction (the loader picks which constructor to call); every
// other component — job engine, control socket, supervisor — drives
// units purely through this interface.
type Machine interface {
	// Meta returns the kind-independent state snapshot.
	Meta() *Meta

	// Start begins the unit's startup sequence. It must return once the
	// sequence has been initiated (ActiveState moved to Activating or
	// further), not once it has finished; completion is reported later
	// through Sink.UnitStateChanged.
	Start(ctx context.Context) error

	// Stop begins the unit's shutdown sequence, same completion contract
	// as Start.
	Stop(ctx context.Context) error

	// Reload asks a running unit to reread its configuration in place.
	// Units that cannot do this return rerr.OpNotSupported.
	Reload(ctx context.Context) error

	// CanReload reports whether Reload is meaningful in the unit's
	// current SubState.
	CanReload() bool

	// ResetFailed clears a Failed ActiveState back to Inactive and
	// resets the start-limit ring buffer.
	ResetFailed()
}

// Triggerable is implemented by unit kinds that can activate another
// unit in response to an external event: socket (connection), timer
// (elapsed), path (inotify event). The job engine starts Target() with
// mode Replace when Trigger fires.
type Triggerable interface {
	Machine
	Target() types.UnitID
}
