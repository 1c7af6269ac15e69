package manager

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ravend/raven/pkg/loader"
	"github.com/ravend/raven/pkg/rerr"
	"github.com/ravend/raven/pkg/types"
	"github.com/ravend/raven/pkg/unit"
	"github.com/ravend/raven/pkg/unit/mount"
	"github.com/ravend/raven/pkg/unit/path"
	"github.com/ravend/raven/pkg/unit/service"
	"github.com/ravend/raven/pkg/unit/socket"
	"github.com/ravend/raven/pkg/unit/timer"
)

// unitEdge is one [Unit]-section dependency directive, resolved to a
// graph.AddEdge call once the target's id has been normalized.
type unitEdge struct {
	rel    types.Relation
	target types.UnitID
}

// unitRelationKeys maps an [Unit] section key to the relation it
// contributes; BindsTo= and the rest each carry their own canonical
// inverse through types.Inverse, so one AddEdge call wires both
// directions.
var unitRelationKeys = map[string]types.Relation{
	"Requires":  types.Requires,
	"Wants":     types.Wants,
	"BindsTo":   types.BindsTo,
	"PartOf":    types.PartOf,
	"Conflicts": types.Conflicts,
	"Before":    types.Before,
	"After":     types.After,
	"OnSuccess": types.OnSuccess,
	"OnFailure": types.OnFailure,
}

// parseUnitEdges reads every recognized [Unit] directive out of f,
// splitting each value on whitespace the way a systemd-style
// space-separated unit list is read.
func parseUnitEdges(f *loader.File) []unitEdge {
	var edges []unitEdge
	for key, rel := range unitRelationKeys {
		for _, raw := range f.All("Unit", key) {
			for _, name := range strings.Fields(raw) {
				edges = append(edges, unitEdge{rel: rel, target: types.UnitID(name)})
			}
		}
	}
	return edges
}

// parseConditions reads every Condition*=/Assert*= entry in the [Unit]
// section into a ConditionSet, in file order.
func parseConditions(f *loader.File) unit.ConditionSet {
	var cs unit.ConditionSet
	kinds := []unit.ConditionKind{
		unit.ConditionPathExists, unit.ConditionPathExistsGlob, unit.ConditionPathIsDirectory,
		unit.ConditionPathIsSymbolicLink, unit.ConditionPathIsMountPoint, unit.ConditionPathIsReadWrite,
		unit.ConditionDirectoryNotEmpty, unit.ConditionFileNotEmpty, unit.ConditionFileIsExecutable,
		unit.ConditionFirstBoot, unit.ConditionUser,
	}
	for _, s := range f.Sections {
		if s.Name != "Unit" {
			continue
		}
		for _, e := range s.Entries {
			key := e.Key
			assert := strings.HasPrefix(key, "Assert")
			plain := strings.TrimPrefix(strings.TrimPrefix(key, "Assert"), "Condition")
			for _, kind := range kinds {
				if string(kind) != "Condition"+plain {
					continue
				}
				param, trigger, negate := unit.ParseConditionValue(e.Value)
				cs.Add(unit.Condition{Kind: kind, Param: param, Trigger: trigger, Negate: negate, Assert: assert})
			}
		}
	}
	return cs
}

// parseExecCommand splits one ExecStart=-style value into its
// leading-dash IgnoreError marker and an argv, using simple whitespace
// splitting — the core's grammar does not attempt the original's
// quoting/escaping surface, only the subset exercised by the spec's
// scenarios.
func parseExecCommand(raw string) types.ExecCommand {
	raw = strings.TrimSpace(raw)
	ignore := strings.HasPrefix(raw, "-")
	raw = strings.TrimPrefix(raw, "-")
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return types.ExecCommand{IgnoreError: ignore}
	}
	return types.ExecCommand{Path: fields[0], Argv: fields[1:], IgnoreError: ignore}
}

func parseExecCommands(f *loader.File, section, key string) []types.ExecCommand {
	var out []types.ExecCommand
	for _, raw := range f.All(section, key) {
		out = append(out, parseExecCommand(raw))
	}
	return out
}

func parseDurationSetting(f *loader.File, section, key string, def time.Duration) time.Duration {
	raw, ok := f.Get(section, key)
	if !ok {
		return def
	}
	return parseDuration(raw, def)
}

func parseDuration(raw string, def time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

func parseBool(f *loader.File, section, key string, def bool) bool {
	raw, ok := f.Get(section, key)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "yes", "true", "1", "on":
		return true
	case "no", "false", "0", "off":
		return false
	default:
		return def
	}
}

func parseInt(f *loader.File, section, key string, def int) int {
	raw, ok := f.Get(section, key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return n
}

func parseExitStatusSet(f *loader.File, section, key string) *unit.ExitStatusSet {
	raw := f.All(section, key)
	if len(raw) == 0 {
		return nil
	}
	set := unit.NewExitStatusSet()
	for _, line := range raw {
		for _, tok := range strings.Fields(line) {
			if n, err := strconv.Atoi(tok); err == nil {
				set.AddCode(n)
				continue
			}
			set.AddSignal(tok)
		}
	}
	return set
}

// buildServiceConfig translates a loaded service fragment's [Service]
// section into service.Config.
func buildServiceConfig(f *loader.File) service.Config {
	var cfg service.Config
	kind, _ := f.Get("Service", "Type")
	if kind == "" {
		kind = "simple"
	}
	cfg.Type = service.Kind(kind)

	cfg.ExecStartPre = parseExecCommands(f, "Service", "ExecStartPre")
	cfg.ExecStart = parseExecCommands(f, "Service", "ExecStart")
	cfg.ExecStartPost = parseExecCommands(f, "Service", "ExecStartPost")
	cfg.ExecReload = parseExecCommands(f, "Service", "ExecReload")
	cfg.ExecStop = parseExecCommands(f, "Service", "ExecStop")
	cfg.ExecStopPost = parseExecCommands(f, "Service", "ExecStopPost")

	cfg.Exec.WorkingDir, _ = f.Get("Service", "WorkingDirectory")
	cfg.Exec.User, _ = f.Get("Service", "User")
	cfg.Exec.Group, _ = f.Get("Service", "Group")
	cfg.Exec.Env = parseEnv(f, "Service")

	cfg.RemainAfterExit = parseBool(f, "Service", "RemainAfterExit", false)
	cfg.PIDFile, _ = f.Get("Service", "PIDFile")
	cfg.BusName, _ = f.Get("Service", "BusName")

	restart, _ := f.Get("Service", "Restart")
	if restart == "" {
		restart = "no"
	}
	cfg.Restart = types.RestartCondition(restart)
	cfg.RestartSec = parseDurationSetting(f, "Service", "RestartSec", 100*time.Millisecond)

	cfg.StartLimitIntervalSec = parseDurationSetting(f, "Service", "StartLimitIntervalSec", 10*time.Second)
	cfg.StartLimitBurst = parseInt(f, "Service", "StartLimitBurst", 5)
	action, _ := f.Get("Service", "StartLimitAction")
	if action == "" {
		action = "none"
	}
	cfg.StartLimitAction = types.StartLimitAction(action)

	cfg.TimeoutStartSec = parseDurationSetting(f, "Service", "TimeoutStartSec", 90*time.Second)
	cfg.TimeoutStopSec = parseDurationSetting(f, "Service", "TimeoutStopSec", 90*time.Second)
	cfg.TimeoutAbortSec = parseDurationSetting(f, "Service", "TimeoutAbortSec", 0)

	cfg.SuccessExitStatus = parseExitStatusSet(f, "Service", "SuccessExitStatus")
	cfg.RestartPreventExitStatus = parseExitStatusSet(f, "Service", "RestartPreventExitStatus")
	cfg.RestartForceExitStatus = parseExitStatusSet(f, "Service", "RestartForceExitStatus")

	cfg.Conditions = parseConditions(f)
	return cfg
}

func parseEnv(f *loader.File, section string) map[string]string {
	env := make(map[string]string)
	for _, raw := range f.All(section, "Environment") {
		for _, pair := range strings.Fields(raw) {
			if i := strings.IndexByte(pair, '='); i >= 0 {
				env[pair[:i]] = pair[i+1:]
			}
		}
	}
	return env
}

// buildSocketConfig translates a loaded socket fragment's [Socket]
// section into socket.Config.
func buildSocketConfig(f *loader.File) (socket.Config, error) {
	var cfg socket.Config

	for _, raw := range f.All("Socket", "ListenStream") {
		cfg.Listeners = append(cfg.Listeners, listenerFor(types.FamilyStream, raw))
	}
	for _, raw := range f.All("Socket", "ListenDatagram") {
		cfg.Listeners = append(cfg.Listeners, listenerFor(types.FamilyDatagram, raw))
	}
	for _, raw := range f.All("Socket", "ListenSequentialPacket") {
		cfg.Listeners = append(cfg.Listeners, listenerFor(types.FamilySeqPacket, raw))
	}
	for _, raw := range f.All("Socket", "ListenNetlink") {
		family, ok := socket.ParseNetlinkFamily(strings.TrimSpace(raw))
		if !ok {
			return cfg, rerr.New(rerr.Input, "manager.buildSocketConfig", fmt.Sprintf("unrecognized ListenNetlink family %q", raw))
		}
		cfg.Listeners = append(cfg.Listeners, socket.Listener{Family: types.FamilyNetlink, Netlink: family})
	}

	cfg.Accept = parseBool(f, "Socket", "Accept", false)
	if svc, ok := f.Get("Socket", "Service"); ok {
		cfg.Service = types.UnitID(svc)
	}
	cfg.PassPacketInfo = parseBool(f, "Socket", "PassPacketInfo", false)
	cfg.PassCredentials = parseBool(f, "Socket", "PassCredentials", false)
	cfg.PassSecurity = parseBool(f, "Socket", "PassSecurity", false)
	cfg.ReceiveBuffer = parseInt(f, "Socket", "ReceiveBuffer", 0)
	cfg.SendBuffer = parseInt(f, "Socket", "SendBuffer", 0)
	if mode, ok := f.Get("Socket", "SocketMode"); ok {
		if v, err := strconv.ParseUint(mode, 8, 32); err == nil {
			cfg.SocketMode = uint32(v)
		}
	}
	for _, raw := range f.All("Socket", "Symlinks") {
		cfg.Symlinks = append(cfg.Symlinks, strings.Fields(raw)...)
	}

	cfg.ExecStartPre = parseExecCommands(f, "Socket", "ExecStartPre")
	cfg.ExecStartPost = parseExecCommands(f, "Socket", "ExecStartPost")
	cfg.ExecStopPre = parseExecCommands(f, "Socket", "ExecStopPre")
	cfg.ExecStopPost = parseExecCommands(f, "Socket", "ExecStopPost")
	cfg.TimeoutSec = parseDurationSetting(f, "Socket", "TimeoutSec", 90*time.Second)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// listenerFor builds a Listener from one ListenStream=/ListenDatagram=
// value: a leading "/" or "@" marks a filesystem/abstract path, anything
// else is a host:port pair.
func listenerFor(family types.PortFamily, raw string) socket.Listener {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "@") {
		return socket.Listener{Family: family, Path: raw}
	}
	return socket.Listener{Family: family, Address: raw}
}

// buildMountConfig translates a loaded mount fragment's [Mount] section
// into mount.Config.
func buildMountConfig(f *loader.File) mount.Config {
	var cfg mount.Config
	cfg.What, _ = f.Get("Mount", "What")
	cfg.Where, _ = f.Get("Mount", "Where")
	cfg.FSType, _ = f.Get("Mount", "Type")
	cfg.Options, _ = f.Get("Mount", "Options")
	cfg.TimeoutSec = parseDurationSetting(f, "Mount", "TimeoutSec", 90*time.Second)
	return cfg
}

// buildTimerConfig translates a loaded timer fragment's [Timer]
// section into timer.Config.
func buildTimerConfig(f *loader.File) timer.Config {
	var cfg timer.Config

	add := func(base timer.Base, key string) {
		for _, raw := range f.All("Timer", key) {
			cfg.Values = append(cfg.Values, timer.TimerValue{Base: base, Offset: parseDuration(raw, 0)})
		}
	}
	add(timer.BaseActive, "OnActiveSec")
	add(timer.BaseBoot, "OnBootSec")
	add(timer.BaseStartup, "OnStartupSec")
	add(timer.BaseUnitActive, "OnUnitActiveSec")
	add(timer.BaseUnitInactive, "OnUnitInactiveSec")
	for _, raw := range f.All("Timer", "OnCalendar") {
		cfg.Values = append(cfg.Values, timer.TimerValue{Base: timer.BaseCalendar, Calendar: strings.TrimSpace(raw)})
	}

	cfg.Persistent = parseBool(f, "Timer", "Persistent", false)
	if u, ok := f.Get("Timer", "Unit"); ok {
		cfg.Unit = types.UnitID(u)
	}
	return cfg
}

// buildPathConfig translates a loaded path fragment's [Path] section
// into path.Config.
func buildPathConfig(f *loader.File) path.Config {
	var cfg path.Config

	add := func(kind path.TriggerType, key string) {
		for _, raw := range f.All("Path", key) {
			cfg.Specs = append(cfg.Specs, path.Spec{Type: kind, Path: strings.TrimSpace(raw)})
		}
	}
	add(path.Exists, "PathExists")
	add(path.ExistsGlob, "PathExistsGlob")
	add(path.Changed, "PathChanged")
	add(path.Modified, "PathModified")
	add(path.DirectoryNotEmpty, "DirectoryNotEmpty")

	cfg.MakeDirectory = parseBool(f, "Path", "MakeDirectory", false)
	mode := parseInt(f, "Path", "DirectoryMode", 0755)
	cfg.DirectoryMode = os.FileMode(mode)
	if u, ok := f.Get("Path", "Unit"); ok {
		cfg.Unit = types.UnitID(u)
	}
	return cfg
}
