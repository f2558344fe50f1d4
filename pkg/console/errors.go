package console

import "errors"

var (
	// ErrExecutableNotFound means the console binary is missing or not
	// executable. Fatal to the Supervisor instance.
	ErrExecutableNotFound = errors.New("console executable not found")

	// ErrProcessSpawn means the OS failed to start the subprocess.
	ErrProcessSpawn = errors.New("console process spawn failed")

	// ErrProcessNotRunning means a command was submitted while no live
	// process exists, or the process died mid-command.
	ErrProcessNotRunning = errors.New("console process not running")

	// ErrCommandTimeout means the command exceeded its budget. The process
	// is left running; pending output is discarded by marker mismatch.
	ErrCommandTimeout = errors.New("console command timed out")

	// ErrAlreadyStarted means Start was called on a live Supervisor.
	ErrAlreadyStarted = errors.New("console already started")
)
