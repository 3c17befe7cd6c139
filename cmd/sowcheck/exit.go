package main

import "sowcheck/internal/scenario"

const (
	exitOK           = 0
	exitFatal        = 1
	exitNotConverged = 32
)

// exitCode maps a run outcome to the process exit status.
func exitCode(res scenario.Result, err error) int {
	switch {
	case err != nil:
		return exitFatal
	case res.Verdict != nil && !res.Verdict.Passed:
		return exitNotConverged
	default:
		return exitOK
	}
}
