//go:build windows

package cmd

import (
	"os"

	"golang.org/x/sys/windows"
)

// gracefulSignals lists the signals that trigger a clean drain of the
// gateway. Windows reliably delivers only os.Interrupt (Ctrl+C);
// SIGTERM does not exist there.
func gracefulSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// processIsAlive opens a query handle on the pid and checks its exit
// code, the Windows equivalent of the Unix signal-0 probe.
func processIsAlive(proc *os.Process) bool {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(proc.Pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(handle)

	var exitCode uint32
	if err := windows.GetExitCodeProcess(handle, &exitCode); err != nil {
		return false
	}
	// STILL_ACTIVE (259) means the process has not exited yet.
	return exitCode == 259
}

// sendGracefulStop terminates the process. Windows has no SIGTERM;
// Kill() calls TerminateProcess, and the stop command's poll loop
// covers the abrupt exit.
func sendGracefulStop(proc *os.Process) error {
	return proc.Kill()
}
