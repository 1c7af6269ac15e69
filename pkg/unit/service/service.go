// Package service implements unit.Machine for service units: fork/exec
// of a managed process through a sequence of Exec* command phases, exit
// classification, restart policy, and the Simple/Forking/Oneshot/
// Notify/Idle/Dbus/Exec service-type distinctions that determine what
// "started" means for each.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/ravend/raven/pkg/rerr"
	"github.com/ravend/raven/pkg/supervisor"
	"github.com/ravend/raven/pkg/types"
	"github.com/ravend/raven/pkg/unit"
)

// SubState enumerates a service's fine-grained state within
// ActiveState. Names mirror spec section 4.4.1 verbatim.
type SubState string

const (
	Dead          SubState = "dead"
	Condition     SubState = "condition"
	StartPre      SubState = "start_pre"
	Start         SubState = "start"
	StartPost     SubState = "start_post"
	Running       SubState = "running"
	Exited        SubState = "exited"
	ReloadState   SubState = "reload"
	Stop          SubState = "stop"
	StopSigTerm   SubState = "stop_sigterm"
	StopSigKill   SubState = "stop_sigkill"
	StopPost      SubState = "stop_post"
	FinalSigTerm  SubState = "final_sigterm"
	FinalSigKill  SubState = "final_sigkill"
	Failed        SubState = "failed"
	AutoRestart   SubState = "auto_restart"
	Cleaning      SubState = "cleaning"
)

// Kind is the Type= setting, determining what "started" means.
type Kind string

const (
	Simple  Kind = "simple"
	Forking Kind = "forking"
	Oneshot Kind = "oneshot"
	Notify  Kind = "notify"
	Idle    Kind = "idle"
	Dbus    Kind = "dbus"
	Exec    Kind = "exec"
)

// Config is a service unit's parsed configuration.
type Config struct {
	Type Kind

	ExecStartPre  []types.ExecCommand
	ExecStart     []types.ExecCommand
	ExecStartPost []types.ExecCommand
	ExecReload    []types.ExecCommand
	ExecStop      []types.ExecCommand
	ExecStopPost  []types.ExecCommand

	Exec types.ExecContext

	RemainAfterExit bool
	PIDFile         string
	BusName         string // Dbus type

	Restart    types.RestartCondition
	RestartSec time.Duration

	StartLimitIntervalSec time.Duration
	StartLimitBurst       int
	StartLimitAction      types.StartLimitAction

	TimeoutStartSec time.Duration
	TimeoutStopSec  time.Duration
	TimeoutAbortSec time.Duration

	SuccessExitStatus        *unit.ExitStatusSet
	RestartPreventExitStatus *unit.ExitStatusSet
	RestartForceExitStatus   *unit.ExitStatusSet

	Conditions unit.ConditionSet
}

// Spawner is the subset of pkg/spawn's surface a Machine needs; kept as
// an interface so tests can fake process launches without forking.
type Spawner interface {
	Spawn(path string, argv []string, ctx types.ExecContext) (pid int, err error)
}

// Killer sends a signal to a pid; pkg/spawn or a thin os wrapper
// implements it in production.
type Killer interface {
	Signal(pid int, sig int) error
}

// Machine implements unit.Machine for one service unit. All mutation
// happens on the event loop's goroutine, so no internal locking is
// needed for the fields the machine itself owns; mu guards only the
// handful of fields a concurrent ResetFailed/Meta snapshot call might
// race with from a different call path (control socket handlers run on
// the same loop goroutine too, but tests may call directly).
type Machine struct {
	mu   sync.Mutex
	meta unit.Meta
	cfg  Config

	spawner Spawner
	killer  Killer
	sup     *supervisor.Supervisor
	sink    unit.Sink

	sub       SubState
	mainPid   int
	queue     []types.ExecCommand
	queueIdx  int
	queuePhase string
	onQueueDone func(result types.ServiceResult)

	restartHistory []time.Time
	lastResult     types.ServiceResult
}

// New constructs a Machine for id with the given configuration and
// collaborators.
func New(id types.UnitID, cfg Config, spawner Spawner, killer Killer, sup *supervisor.Supervisor, sink unit.Sink) *Machine {
	return &Machine{
		meta:    unit.Meta{ID: id, Load: types.LoadLoaded, Active: types.Inactive},
		cfg:     cfg,
		spawner: spawner,
		killer:  killer,
		sup:     sup,
		sink:    sink,
		sub:     Dead,
	}
}

func (m *Machine) Meta() *unit.Meta { return &m.meta }

func (m *Machine) CanReload() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sub == Running && len(m.cfg.ExecReload) > 0
}

func (m *Machine) ResetFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub == Failed {
		m.setSubState(types.Inactive, Dead)
	}
	m.restartHistory = nil
}

// Start begins the startup sequence: Condition -> StartPre -> Start ->
// StartPost -> Running (a Oneshot ends in Exited with RemainAfterExit,
// in Dead without it).
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.sub {
	case Running, StartPost, Start, StartPre, Condition:
		return rerr.New(rerr.AlreadyActive, "service.Start", string(m.meta.ID))
	}

	m.setSubState(types.Activating, Condition)
	ok, failedAssert := m.cfg.Conditions.Evaluate()
	if !ok {
		if failedAssert != nil {
			m.lastResult = types.ResultFailureExitCode
			m.setSubState(types.Failed, Failed)
			return rerr.New(rerr.Conflict, "service.Start", "assert failed: "+string(failedAssert.Kind))
		}
		// A plain Condition failure is a quiet skip back to inactive, not
		// a failure (spec's Condition semantics).
		m.setSubState(types.Inactive, Dead)
		return nil
	}

	m.setSubState(types.Activating, StartPre)
	m.beginPhase(StartPre, m.cfg.ExecStartPre, func(result types.ServiceResult) {
		if result != types.ResultSuccess {
			m.fail(result)
			return
		}
		m.runStart()
	})
	return nil
}

func (m *Machine) runStart() {
	m.setSubState(types.Activating, Start)

	if len(m.cfg.ExecStart) == 0 {
		m.runStartPost()
		return
	}

	switch m.cfg.Type {
	case Simple, Exec, Notify, Idle, Dbus:
		cmd := m.cfg.ExecStart[0]
		pid, err := m.spawner.Spawn(cmd.Path, cmd.Argv, m.cfg.Exec)
		if err != nil {
			m.fail(types.ResultFailureExitCode)
			return
		}
		m.mainPid = pid
		m.sup.Watch(m.meta.ID, pid, sigChldAdapter{m})
		// Every type in this branch counts "launched" as started, Notify
		// included: READY=1 from the notify channel is not waited for.
		m.runStartPost()
	case Forking:
		m.beginPhase(Start, m.cfg.ExecStart, func(result types.ServiceResult) {
			if result != types.ResultSuccess {
				m.fail(result)
				return
			}
			// The forking process has exited. The daemon's own pid is
			// not resolved: PIDFile is not read, no cgroup scan runs,
			// and mainPid stays 0.
			m.runStartPost()
		})
	case Oneshot:
		m.beginPhase(Start, m.cfg.ExecStart, func(result types.ServiceResult) {
			if result != types.ResultSuccess {
				m.fail(result)
				return
			}
			m.runStartPost()
		})
	}
}

func (m *Machine) runStartPost() {
	m.setSubState(types.Activating, StartPost)
	m.beginPhase(StartPost, m.cfg.ExecStartPost, func(result types.ServiceResult) {
		if result != types.ResultSuccess {
			m.fail(result)
			return
		}
		if m.cfg.Type == Oneshot && m.mainPid == 0 {
			if m.cfg.RemainAfterExit {
				m.setSubState(types.Active, Exited)
			} else {
				m.setSubState(types.Inactive, Dead)
			}
			return
		}
		m.setSubState(types.Active, Running)
		m.lastResult = types.ResultSuccess
	})
}

// Stop begins the shutdown sequence: Stop -> (ExecStop, if any) ->
// StopSigTerm -> StopSigKill -> StopPost -> Dead.
func (m *Machine) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.sub {
	case Dead, Failed:
		return rerr.New(rerr.AlreadyInactive, "service.Stop", string(m.meta.ID))
	}

	m.setSubState(types.Deactivating, Stop)
	if len(m.cfg.ExecStop) > 0 {
		m.beginPhase(Stop, m.cfg.ExecStop, func(result types.ServiceResult) {
			m.terminateMain()
		})
		return nil
	}
	m.terminateMain()
	return nil
}

func (m *Machine) terminateMain() {
	if m.mainPid == 0 {
		m.runStopPost()
		return
	}
	m.setSubState(types.Deactivating, StopSigTerm)
	_ = m.killer.Signal(m.mainPid, sigterm)
	// No TimeoutStopSec timer is armed: SIGKILL follows only if a caller
	// invokes EscalateStop. A clean exit reaches SigChld, which runs
	// StopPost.
}

// EscalateStop sends SIGKILL to the main pid while the machine is in
// StopSigTerm. Nothing in the manager calls it; TimeoutStopSec is parsed
// but no timer is armed from it.
func (m *Machine) EscalateStop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub != StopSigTerm || m.mainPid == 0 {
		return
	}
	m.setSubState(types.Deactivating, StopSigKill)
	_ = m.killer.Signal(m.mainPid, sigkill)
}

func (m *Machine) runStopPost() {
	m.setSubState(types.Deactivating, StopPost)
	m.beginPhase(StopPost, m.cfg.ExecStopPost, func(types.ServiceResult) {
		m.setSubState(types.Inactive, Dead)
		m.mainPid = 0
	})
}

// Reload runs ExecReload without interrupting the running main process.
func (m *Machine) Reload(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub != Running || len(m.cfg.ExecReload) == 0 {
		return rerr.New(rerr.OpNotSupported, "service.Reload", string(m.meta.ID))
	}
	prev := m.sub
	m.setSubState(types.Reloading, ReloadState)
	m.beginPhase(ReloadState, m.cfg.ExecReload, func(types.ServiceResult) {
		m.setSubState(types.Active, prev)
	})
	return nil
}

// sigChldAdapter bridges supervisor.Sink to Machine.SigChld, keeping
// Machine's own method set free of the supervisor package's naming.
type sigChldAdapter struct{ m *Machine }

func (a sigChldAdapter) SigChld(wr supervisor.WaitResult) { a.m.SigChld(wr) }

// SigChld handles a reaped child: either the current queue phase's
// running command, or the main pid's exit.
func (m *Machine) SigChld(wr supervisor.WaitResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := classify(wr, m.cfg.SuccessExitStatus)

	if wr.Pid == m.mainPid {
		m.mainPid = 0
		m.handleMainExit(result)
		return
	}

	m.advanceQueue(result)
}

func (m *Machine) handleMainExit(result types.ServiceResult) {
	m.lastResult = result
	switch m.sub {
	case StopSigTerm, StopSigKill, Stop:
		m.runStopPost()
	default:
		if result == types.ResultSuccess {
			m.maybeRestart(result)
			return
		}
		m.fail(result)
	}
}

func (m *Machine) maybeRestart(result types.ServiceResult) {
	if !m.shouldRestart(result) {
		m.setSubState(types.Inactive, Dead)
		return
	}
	if m.hitStartLimit() {
		m.lastResult = types.ResultFailureStartLimitHit
		m.setSubState(types.Failed, Failed)
		return
	}
	m.setSubState(types.Activating, AutoRestart)
	// No timer re-spawns the service after RestartSec: the machine stays
	// in AutoRestart until Start is called again.
}

func (m *Machine) shouldRestart(result types.ServiceResult) bool {
	if m.cfg.RestartForceExitStatus != nil && m.cfg.RestartForceExitStatus.HasCode(exitCodeOf(result)) {
		return true
	}
	if m.cfg.RestartPreventExitStatus != nil && m.cfg.RestartPreventExitStatus.HasCode(exitCodeOf(result)) {
		return false
	}
	switch m.cfg.Restart {
	case types.RestartAlways:
		return true
	case types.RestartOnSuccess:
		return result == types.ResultSuccess
	case types.RestartOnFailure:
		return result != types.ResultSuccess
	case types.RestartOnAbnormal:
		return result == types.ResultFailureSignal || result == types.ResultFailureTimeout
	case types.RestartOnAbort:
		return result == types.ResultFailureSignal
	default:
		return false
	}
}

func exitCodeOf(result types.ServiceResult) int {
	if result == types.ResultSuccess {
		return 0
	}
	return 1
}

func (m *Machine) hitStartLimit() bool {
	if m.cfg.StartLimitBurst <= 0 || m.cfg.StartLimitIntervalSec <= 0 {
		return false
	}
	now := time.Now()
	cutoff := now.Add(-m.cfg.StartLimitIntervalSec)
	var kept []time.Time
	for _, t := range m.restartHistory {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	m.restartHistory = kept
	return len(kept) > m.cfg.StartLimitBurst
}

func (m *Machine) fail(result types.ServiceResult) {
	m.lastResult = result
	m.setSubState(types.Failed, Failed)
}

// beginPhase starts running cmds sequentially as phase name; onDone
// fires once every command has exited successfully (or the first
// required one fails). An empty cmds slice calls onDone immediately
// with Success.
func (m *Machine) beginPhase(phase SubState, cmds []types.ExecCommand, onDone func(types.ServiceResult)) {
	if len(cmds) == 0 {
		onDone(types.ResultSuccess)
		return
	}
	m.queue = cmds
	m.queueIdx = 0
	m.queuePhase = string(phase)
	m.onQueueDone = onDone
	m.spawnQueueStep()
}

func (m *Machine) spawnQueueStep() {
	cmd := m.queue[m.queueIdx]
	pid, err := m.spawner.Spawn(cmd.Path, cmd.Argv, m.cfg.Exec)
	if err != nil {
		if cmd.IgnoreError {
			m.advanceQueue(types.ResultSuccess)
			return
		}
		m.onQueueDone(types.ResultFailureExitCode)
		return
	}
	m.sup.Watch(m.meta.ID, pid, queueStepAdapter{m})
}

// queueStepAdapter routes a queue step's exit back through SigChld's
// generic dispatch (mainPid won't match, so advanceQueue runs).
type queueStepAdapter struct{ m *Machine }

func (a queueStepAdapter) SigChld(wr supervisor.WaitResult) { a.m.SigChld(wr) }

func (m *Machine) advanceQueue(result types.ServiceResult) {
	if m.onQueueDone == nil {
		return
	}
	cmd := m.queue[m.queueIdx]
	if result != types.ResultSuccess && !cmd.IgnoreError {
		done := m.onQueueDone
		m.onQueueDone = nil
		done(result)
		return
	}
	m.queueIdx++
	if m.queueIdx >= len(m.queue) {
		done := m.onQueueDone
		m.onQueueDone = nil
		done(types.ResultSuccess)
		return
	}
	m.spawnQueueStep()
}

func (m *Machine) setSubState(active types.ActiveState, sub SubState) {
	now := time.Now()
	if m.meta.Active != types.Active && active == types.Active {
		m.meta.Timestamps.ActiveEnter = now
	}
	if m.meta.Active == types.Active && active != types.Active {
		m.meta.Timestamps.ActiveExit = now
	}
	if m.meta.Active != types.Inactive && active == types.Inactive {
		m.meta.Timestamps.InactiveEnter = now
	}
	if m.meta.Active == types.Inactive && active != types.Inactive {
		m.meta.Timestamps.InactiveExit = now
	}

	m.meta.Active = active
	m.meta.SubState = string(sub)
	m.sub = sub

	if m.sink != nil {
		m.sink.UnitStateChanged(unit.Event{
			ID: m.meta.ID, Active: active, SubState: string(sub),
			Result: m.lastResult, Timestamp: now,
		})
	}
}

const (
	sigterm = 15
	sigkill = 9
)

// classify maps a wait result to a ServiceResult per spec section
// 4.4.1's exit classification rules.
func classify(wr supervisor.WaitResult, success *unit.ExitStatusSet) types.ServiceResult {
	if wr.Signal != 0 {
		if wr.CoreDump {
			return types.ResultFailureCoreDump
		}
		return types.ResultFailureSignal
	}
	if wr.ExitCode == 0 {
		return types.ResultSuccess
	}
	if success != nil && success.HasCode(wr.ExitCode) {
		return types.ResultSuccess
	}
	return types.ResultFailureExitCode
}
