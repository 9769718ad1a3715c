//go:build debug

package xasserttest

import "github.com/SamuelBayliss/xdna-driver/xassert"

// DefaultEnv returns an assertion environment with every check enabled.
func DefaultEnv() xassert.Env {
	env, err := xassert.EnvironmentFromString("*")
	if err != nil {
		panic(err)
	}
	return env
}

// NopEnv returns an assertion environment with every check disabled.
// Generally only useful in tests that are already expensive.
func NopEnv() xassert.Env {
	env, err := xassert.EnvironmentFromString("")
	if err != nil {
		panic(err)
	}
	return env
}
