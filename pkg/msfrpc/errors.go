package msfrpc

import "errors"

var (
	// ErrNotConnected means no authenticated session exists.
	ErrNotConnected = errors.New("rpc not connected")

	// ErrAuthFailed means msfrpcd rejected the credentials.
	ErrAuthFailed = errors.New("rpc authentication failed")

	// ErrRPC wraps an error object returned by the server.
	ErrRPC = errors.New("rpc call failed")

	// ErrConsoleTimeout means a console command stayed busy past its
	// budget. Partial output may accompany it.
	ErrConsoleTimeout = errors.New("rpc console command timed out")

	// ErrDaemonStartup means a spawned msfrpcd never became reachable.
	ErrDaemonStartup = errors.New("msfrpcd did not become reachable")
)
