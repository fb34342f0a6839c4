//go:build !linux

package world

import "fmt"

// startSession on non-Linux hosts always fails: local worlds need Linux
// namespaces. The backend layer routes these hosts to a VM or container
// backend instead.
func startSession(spec Spec) (Session, error) {
	return nil, &SetupError{Stage: "platform", Err: fmt.Errorf("local worlds require linux")}
}

// MaybeWorldInit is a no-op outside Linux.
func MaybeWorldInit() bool { return false }
