//go:build debug

package xassert

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
)

// Env is an alias to the Environment type.
// Consumers hold a field of type Env, which in non-debug builds
// is an empty struct and in debug builds is this pointer type.
type Env = *Environment

// Environment holds the rules deciding which runtime assertions execute.
//
// Methods on Environment are safe for concurrent use.
type Environment struct {
	// Dot-split prefix rules, stored without the trailing wildcard.
	// The bare "*" rule is stored as an empty slice.
	prefixes [][]string

	// Dot-split exact-match rules.
	exacts [][]string

	// Nil means assertion failures panic.
	// Set via OnlyLogFailures to log at Error level instead.
	log *slog.Logger
}

// EnvironmentFromString parses a comma-separated list of enable rules.
// A rule is either an exact dotted name ("tdr.counters"),
// a dotted prefix followed by ".*" ("tdr.*"),
// or the bare "*" enabling everything.
// The empty string yields an environment with no checks enabled.
func EnvironmentFromString(in string) (*Environment, error) {
	var e Environment
	if in == "" {
		return &e, nil
	}

	for _, r := range strings.Split(in, ",") {
		if err := e.parseSingleRule(r); err != nil {
			return nil, err
		}
	}

	return &e, nil
}

func (e *Environment) parseSingleRule(r string) error {
	if len(r) == 0 {
		return errors.New("received empty rule")
	}

	if strings.Contains(r, "..") {
		return fmt.Errorf("invalid rule %q: dot-separated sections may not be empty", r)
	}

	nStars := strings.Count(r, "*")
	if nStars > 1 {
		return fmt.Errorf("invalid rule %q: may contain at most one *, and it must be at the end", r)
	}
	if nStars == 1 {
		if r == "*" {
			e.prefixes = append(e.prefixes, []string{})
			return nil
		}

		p, isPrefix := strings.CutSuffix(r, ".*")
		if !isPrefix {
			return fmt.Errorf("invalid rule %q: * only allowed as last element of dot-separated rule", r)
		}
		e.prefixes = append(e.prefixes, strings.Split(p, "."))
		return nil
	}

	e.exacts = append(e.exacts, strings.Split(r, "."))
	return nil
}

// OnlyLogFailures configures e to log assertion failures
// at Error level to the given logger instead of panicking.
//
// OnlyLogFailures must be called before any concurrent use of e.
func (e *Environment) OnlyLogFailures(log *slog.Logger) {
	e.log = log
}

// HandleAssertionFailure reports the given failure,
// panicking by default or logging if OnlyLogFailures was called.
//
// A nil error is a caller bug and always panics.
func (e *Environment) HandleAssertionFailure(err error) {
	if err == nil {
		panic(errors.New("BUG: HandleAssertionFailure called with nil error"))
	}

	if e.log == nil {
		panic(fmt.Errorf("assertion failure: %w", err))
	}

	e.log.Error("Assertion failure", "err", err)
}

// Enabled reports whether the given dotted rule name is enabled,
// by prefix match first and exact match second.
func (e *Environment) Enabled(rule string) bool {
	if len(e.prefixes) == 0 && len(e.exacts) == 0 {
		return false
	}

	ruleParts := strings.Split(rule, ".")

	for _, p := range e.prefixes {
		if len(p) >= len(ruleParts) {
			continue
		}
		if slices.Equal(p, ruleParts[:len(p)]) {
			return true
		}
	}

	for _, exact := range e.exacts {
		if slices.Equal(exact, ruleParts) {
			return true
		}
	}

	return false
}
