// Package xassert provides optional runtime invariant checks,
// compiled in only under the "debug" build tag.
//
// Types that support assertions accept an [Env] in their config.
// In normal builds Env is an empty struct and every check compiles away;
// in debug builds it carries the rule set selecting which checks run.
// Call sites that consult the environment live in files guarded by the
// same build tag, next to a no-op counterpart for normal builds.
package xassert
