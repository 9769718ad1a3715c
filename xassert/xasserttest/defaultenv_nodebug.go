//go:build !debug

package xasserttest

import "github.com/SamuelBayliss/xdna-driver/xassert"

// DefaultEnv returns the no-op Env, in non-debug builds.
func DefaultEnv() xassert.Env {
	return xassert.Env{}
}

// NopEnv returns the no-op Env.
func NopEnv() xassert.Env {
	return xassert.Env{}
}
