//go:build !debug

package xassert

// Env is the assertion environment, selecting which runtime
// invariant checks are enabled.
//
// In non-debug builds, Env is an empty struct consuming no memory,
// and it deliberately has no methods.
// In debug builds, Env is a type alias to *Environment.
// Code consulting the environment must itself be guarded
// behind the "debug" build tag.
type Env struct{}
