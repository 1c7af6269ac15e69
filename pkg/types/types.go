// Package types holds the data model shared by every core subsystem:
// unit identity, load/active/substate enums, the dependency relation
// enumeration, jobs, ports, and the per-unit execution context. It has
// no behavior of its own — registry, loader, job, and unit own that —
// so that every other package can import it without a cycle.
package types

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// UnitKind is the type suffix of a unit id ("foo.service" -> Service).
type UnitKind string

const (
	KindService UnitKind = "service"
	KindSocket  UnitKind = "socket"
	KindMount   UnitKind = "mount"
	KindTimer   UnitKind = "timer"
	KindPath    UnitKind = "path"
	KindTarget  UnitKind = "target"
	KindDevice  UnitKind = "device"
	KindSwap    UnitKind = "swap"
	KindSlice   UnitKind = "slice"
	KindScope   UnitKind = "scope"
)

var validKinds = map[UnitKind]bool{
	KindService: true, KindSocket: true, KindMount: true, KindTimer: true,
	KindPath: true, KindTarget: true, KindDevice: true, KindSwap: true,
	KindSlice: true, KindScope: true,
}

// UnitID is a unit's string identifier, "name[.type]". It is the only
// thing any structure outside the registry's arena is allowed to hold:
// dependency edges, job targets, pid maps and watch sets all key off of
// UnitID rather than a pointer to the unit itself.
type UnitID string

const maxIDBytes = 255

var nameTokenRe = regexp.MustCompile(`^[A-Za-z0-9:_.\\-]+$`)

// Valid checks the shape rules from the spec: ASCII, <=255 bytes, exactly
// one terminal dot separating name from type, at most one '@', and (for
// an instance) a non-empty template name and instance string around it.
func (id UnitID) Valid() bool {
	s := string(id)
	if s == "" || len(s) > maxIDBytes {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	dot := strings.LastIndexByte(s, '.')
	if dot <= 0 || dot == len(s)-1 {
		return false
	}
	name, kind := s[:dot], UnitKind(s[dot+1:])
	if !validKinds[kind] {
		return false
	}
	if strings.Count(name, "@") > 1 {
		return false
	}
	if at := strings.IndexByte(name, '@'); at >= 0 {
		if at == 0 {
			return false
		}
		instance := name[at+1:]
		if instance == "" {
			// template, e.g. "foo@.service" — empty instance is legal only
			// for the template form itself.
			return nameTokenRe.MatchString(name[:at])
		}
		return nameTokenRe.MatchString(name[:at]) && nameTokenRe.MatchString(instance)
	}
	return nameTokenRe.MatchString(name)
}

// Kind returns the unit's type suffix.
func (id UnitID) Kind() UnitKind {
	s := string(id)
	dot := strings.LastIndexByte(s, '.')
	if dot < 0 {
		return ""
	}
	return UnitKind(s[dot+1:])
}

// Name returns the portion of the id before the terminal dot.
func (id UnitID) Name() string {
	s := string(id)
	dot := strings.LastIndexByte(s, '.')
	if dot < 0 {
		return s
	}
	return s[:dot]
}

// Template reports whether the id is a template ("foo@.service") and, if
// so, the template's base name.
func (id UnitID) Template() (base string, ok bool) {
	name := id.Name()
	at := strings.IndexByte(name, '@')
	if at < 0 {
		return "", false
	}
	if name[at+1:] != "" {
		return "", false
	}
	return name[:at], true
}

// Instance returns the instance portion of an instantiated id
// ("foo@123.service" -> "123"), or "" if id is not an instance.
func (id UnitID) Instance() string {
	name := id.Name()
	at := strings.IndexByte(name, '@')
	if at < 0 || at == len(name)-1 {
		return ""
	}
	return name[at+1:]
}

// LoadState tracks how far the loader got with a unit's configuration.
type LoadState string

const (
	LoadStub     LoadState = "stub"
	LoadLoaded   LoadState = "loaded"
	LoadNotFound LoadState = "not_found"
	LoadError    LoadState = "error"
	LoadMerged   LoadState = "merged"
	LoadMasked   LoadState = "masked"
)

// ActiveState is the kind-independent half of a unit's runtime state.
type ActiveState string

const (
	Inactive     ActiveState = "inactive"
	Activating   ActiveState = "activating"
	Active       ActiveState = "active"
	Reloading    ActiveState = "reloading"
	Deactivating ActiveState = "deactivating"
	Failed       ActiveState = "failed"
	Maintenance  ActiveState = "maintenance"
)

// Relation enumerates the directed dependency relations the graph can
// hold between two units. Every relation has a canonical inverse (see
// Inverse); every edge the graph accepts is materialized in both
// directions atomically.
type Relation string

const (
	Requires            Relation = "requires"
	RequiredBy           Relation = "required_by"
	Wants               Relation = "wants"
	WantedBy            Relation = "wanted_by"
	BindsTo             Relation = "binds_to"
	BoundBy             Relation = "bound_by"
	PartOf              Relation = "part_of"
	ConsistsOf          Relation = "consists_of"
	Conflicts           Relation = "conflicts"
	ConflictedBy        Relation = "conflicted_by"
	Before              Relation = "before"
	After               Relation = "after"
	Triggers            Relation = "triggers"
	TriggeredBy         Relation = "triggered_by"
	References          Relation = "references"
	ReferencedBy        Relation = "referenced_by"
	OnSuccess           Relation = "on_success"
	OnSuccessOf         Relation = "on_success_of"
	OnFailure           Relation = "on_failure"
	OnFailureOf         Relation = "on_failure_of"
	PropagatesReloadTo  Relation = "propagates_reload_to"
	ReloadPropagatedFrom Relation = "reload_propagated_from"
	JoinsNamespaceOf    Relation = "joins_namespace_of"
	NamespaceJoinedBy   Relation = "namespace_joined_by"
)

// inverses maps every relation to its canonical inverse. It is built so
// that inverse(inverse(r)) == r for every entry.
var inverses = map[Relation]Relation{
	Requires: RequiredBy, RequiredBy: Requires,
	Wants: WantedBy, WantedBy: Wants,
	BindsTo: BoundBy, BoundBy: BindsTo,
	PartOf: ConsistsOf, ConsistsOf: PartOf,
	Conflicts: ConflictedBy, ConflictedBy: Conflicts,
	Before: After, After: Before,
	Triggers: TriggeredBy, TriggeredBy: Triggers,
	References: ReferencedBy, ReferencedBy: References,
	OnSuccess: OnSuccessOf, OnSuccessOf: OnSuccess,
	OnFailure: OnFailureOf, OnFailureOf: OnFailure,
	PropagatesReloadTo: ReloadPropagatedFrom, ReloadPropagatedFrom: PropagatesReloadTo,
	JoinsNamespaceOf: NamespaceJoinedBy, NamespaceJoinedBy: JoinsNamespaceOf,
}

// Inverse returns the canonical inverse of r, or "" if r is unknown.
func Inverse(r Relation) Relation { return inverses[r] }

// Atom is an equivalence class of relations that answer the same
// dependency query, e.g. "which units does starting me also start" maps
// to Requires, Wants and BindsTo.
type Atom string

const (
	AtomBefore   Atom = "before"   // must start after this unit (it is ordered Before them)
	AtomAfter    Atom = "after"    // must start before this unit (it is ordered After them)
	AtomPull     Atom = "pull"     // starting this unit should also start these
	AtomStopPull Atom = "stop_pull" // stopping this unit should also stop these
)

// atomRelations lists, for each atom, the relations whose destinations
// answer that atom's query for a given source unit.
var atomRelations = map[Atom][]Relation{
	AtomBefore:   {Before},
	AtomAfter:    {After},
	AtomPull:     {Requires, Wants, BindsTo},
	AtomStopPull: {Conflicts, BindsTo},
}

// RelationsForAtom returns the relations belonging to atom.
func RelationsForAtom(a Atom) []Relation { return atomRelations[a] }

// OriginMask records which sources contributed an edge so that a
// partial refresh (e.g. reloading one drop-in) can remove only what it
// added without disturbing edges other origins still claim.
type OriginMask uint8

const (
	OriginFragment  OriginMask = 1 << iota // the main unit fragment
	OriginDropIn                           // a *.conf drop-in
	OriginRuntime                          // a runtime control-socket command
	OriginTransient                        // a transient unit's inline definition
	OriginSymlink                          // a .wants/.requires symlink directory
)

// JobKind is the action a Job drives a unit through.
type JobKind string

const (
	JobStart   JobKind = "start"
	JobStop    JobKind = "stop"
	JobRestart JobKind = "restart"
	JobReload  JobKind = "reload"
	JobVerify  JobKind = "verify"
	JobNop     JobKind = "nop"
)

// JobMode controls how a new transaction interacts with pending jobs.
type JobMode string

const (
	ModeReplace JobMode = "replace"
	ModeIsolate JobMode = "isolate"
	ModeFail    JobMode = "fail"
)

// JobState is a job's position within its JobSet.
type JobState string

const (
	JobWaiting JobState = "waiting"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
)

// ExecContext is the per-unit execution context: everything exec-spawn
// needs besides the resolved command line.
type ExecContext struct {
	Env        map[string]string
	WorkingDir string
	User       string
	Group      string
	Umask      uint32
	Rlimits    map[string]Rlimit
	CgroupPath string
}

// Rlimit is a soft/hard resource limit pair, mirroring struct rlimit.
type Rlimit struct {
	Soft uint64
	Hard uint64
}

// ExecCommand is one resolved command line belonging to a lifecycle
// phase (ExecStartPre, ExecStart, ...).
type ExecCommand struct {
	Path        string
	Argv        []string
	IgnoreError bool
}

// RestartCondition mirrors the service Restart= setting.
type RestartCondition string

const (
	RestartNo         RestartCondition = "no"
	RestartOnSuccess  RestartCondition = "on-success"
	RestartOnFailure  RestartCondition = "on-failure"
	RestartOnAbnormal RestartCondition = "on-abnormal"
	RestartOnAbort    RestartCondition = "on-abort"
	RestartAlways     RestartCondition = "always"
)

// StartLimitAction mirrors StartLimitAction=.
type StartLimitAction string

const (
	StartLimitNone            StartLimitAction = "none"
	StartLimitReboot          StartLimitAction = "reboot"
	StartLimitRebootForce     StartLimitAction = "reboot-force"
	StartLimitRebootImmediate StartLimitAction = "reboot-immediate"
	StartLimitPoweroff        StartLimitAction = "poweroff"
)

// ServiceResult classifies why a service's run ended.
type ServiceResult string

const (
	ResultSuccess                    ServiceResult = "success"
	ResultFailureExitCode            ServiceResult = "failure-exit-code"
	ResultFailureSignal              ServiceResult = "failure-signal"
	ResultFailureCoreDump            ServiceResult = "failure-core-dump"
	ResultFailureResources           ServiceResult = "failure-resources"
	ResultFailureTimeout             ServiceResult = "failure-timeout"
	ResultFailureStartLimitHit       ServiceResult = "failure-start-limit-hit"
	ResultFailureTriggerLimitHit     ServiceResult = "failure-trigger-limit-hit"
	ResultFailureServiceStartLimit   ServiceResult = "failure-service-start-limit-hit"
)

// PortFamily is the address family of a listening Port.
type PortFamily string

const (
	FamilyStream   PortFamily = "stream"
	FamilyDatagram PortFamily = "datagram"
	FamilySeqPacket PortFamily = "seqpacket"
	FamilyNetlink  PortFamily = "netlink"
	FamilyFIFO     PortFamily = "fifo"
)

// PortFingerprint identifies a listening endpoint by its family (which
// also stands for the socket type), its address, and (for AF_UNIX/FIFO
// listeners) the bound path.
type PortFingerprint struct {
	Family  PortFamily
	Address string // host:port, or a netlink family name
	Path    string // filesystem path, for AF_UNIX/FIFO listeners
}

func (p PortFingerprint) String() string {
	if p.Path != "" {
		return fmt.Sprintf("%s:%s", p.Family, p.Path)
	}
	return fmt.Sprintf("%s:%s", p.Family, p.Address)
}

// Timestamps records the four transition instants every unit tracks.
type Timestamps struct {
	InactiveEnter time.Time
	ActiveEnter   time.Time
	ActiveExit    time.Time
	InactiveExit  time.Time
}
