package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ravend/raven/pkg/control"
	"github.com/ravend/raven/pkg/types"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ravenctl",
	Short: "control ravend over its control socket",
}

func init() {
	rootCmd.PersistentFlags().String("socket", "/run/raven/control.sock", "ravend control socket path")

	rootCmd.AddCommand(
		startCmd, stopCmd, restartCmd, reloadCmd, isolateCmd,
		resetFailedCmd, statusCmd, listUnitsCmd,
		daemonReloadCmd, daemonReexecCmd,
		haltCmd, poweroffCmd, rebootCmd, shutdownCmd,
		enableCmd, disableCmd, maskCmd, unmaskCmd,
	)
}

// call sends req to the daemon, prints its message to the stream the
// response asked for, and returns the exit code ravenctl should use.
func call(cmd *cobra.Command, req control.Request) int {
	sock, _ := cmd.Flags().GetString("socket")
	resp, err := control.Call(sock, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ravenctl: %v\n", err)
		return 1
	}
	if resp.Message != "" {
		if resp.Stdout() {
			fmt.Fprintln(os.Stdout, resp.Message)
		} else {
			fmt.Fprintln(os.Stderr, resp.Message)
		}
	}
	return resp.ExitCode()
}

func unitAction(use, short string, action control.UnitAction, needsMode bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			req := control.Request{
				Family:     control.FamilyUnit,
				Unit:       types.UnitID(args[0]),
				UnitAction: action,
			}
			if needsMode {
				mode, _ := cmd.Flags().GetString("mode")
				req.Mode = types.JobMode(mode)
			}
			os.Exit(call(cmd, req))
		},
	}
	if needsMode {
		cmd.Flags().String("mode", string(types.ModeReplace), "job mode: replace, fail, isolate")
	}
	return cmd
}

var startCmd = unitAction("start UNIT", "Start a unit", control.UnitStart, true)
var stopCmd = unitAction("stop UNIT", "Stop a unit", control.UnitStop, true)
var restartCmd = unitAction("restart UNIT", "Restart a unit", control.UnitRestart, true)
var reloadCmd = unitAction("reload UNIT", "Ask a running unit to reload its configuration", control.UnitReload, true)
var isolateCmd = unitAction("isolate UNIT", "Stop every unit not required by UNIT and start UNIT", control.UnitIsolate, false)
var resetFailedCmd = unitAction("reset-failed UNIT", "Clear a unit's failed state", control.UnitResetFailed, false)
var statusCmd = unitAction("status UNIT", "Show a unit's load/active state", control.UnitStatus, false)

var listUnitsCmd = &cobra.Command{
	Use:   "list-units",
	Short: "List every loaded unit and its state",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(call(cmd, control.Request{Family: control.FamilyManager, ManagerAction: control.ManagerListUnits}))
	},
}

var daemonReloadCmd = &cobra.Command{
	Use:   "daemon-reload",
	Short: "Re-read unit search path directories",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(call(cmd, control.Request{Family: control.FamilyManager, ManagerAction: control.ManagerDaemonReload}))
	},
}

var daemonReexecCmd = &cobra.Command{
	Use:   "daemon-reexec",
	Short: "Re-execute ravend in place, preserving unit state",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(call(cmd, control.Request{Family: control.FamilyManager, ManagerAction: control.ManagerDaemonReexec}))
	},
}

func systemAction(use, short string, action control.SystemAction) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(call(cmd, control.Request{Family: control.FamilySystem, SystemAction: action}))
		},
	}
}

var haltCmd = systemAction("halt", "Halt the system", control.SystemHalt)
var poweroffCmd = systemAction("poweroff", "Power off the system", control.SystemPoweroff)
var rebootCmd = systemAction("reboot", "Reboot the system", control.SystemReboot)
var shutdownCmd = systemAction("shutdown", "Bring the system down cleanly", control.SystemShutdown)

func unitFileAction(use, short string, action control.UnitFileAction) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			req := control.Request{
				Family:         control.FamilyUnitFile,
				Unit:           types.UnitID(args[0]),
				UnitFileAction: action,
			}
			os.Exit(call(cmd, req))
		},
	}
}

var enableCmd = unitFileAction("enable UNIT", "Create the .wants/.requires symlinks a unit's [Install] section declares", control.UnitFileEnable)
var disableCmd = unitFileAction("disable UNIT", "Remove a unit's [Install]-declared symlinks", control.UnitFileDisable)
var maskCmd = unitFileAction("mask UNIT", "Point a unit at /dev/null so it cannot be started", control.UnitFileMask)
var unmaskCmd = unitFileAction("unmask UNIT", "Remove a unit's mask", control.UnitFileUnmask)
