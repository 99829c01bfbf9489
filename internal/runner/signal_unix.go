//go:build !windows

package runner

import (
	"os"
	"syscall"
)

// terminationSignal is the platform's graceful termination signal, sent
// to an in-flight subprocess on cancellation before the ~2s grace
// interval in spec §5 elapses and exec.Cmd.WaitDelay forces a kill.
var terminationSignal os.Signal = syscall.SIGTERM
