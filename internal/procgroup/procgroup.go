// Package procgroup starts subprocesses in their own process group so
// a misbehaving analyzer and everything it spawned can be torn down
// together. Callers must pass the command through Set before Start for
// Kill to reach the whole group.
package procgroup
