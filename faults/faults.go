// Package faults provides pluggable unreliability for chunk transfers.
// Injectors are consulted before any state-mutating step, so a failed check is always a no-op.
package faults

import (
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrInjected is returned by components that fail an operation on purpose.
var ErrInjected = errors.New("injected fault")

// Injector decides whether the next operation should fail.
type Injector interface {
	Fail() bool
}

// KeyedInjector decides whether the next operation for a given key should fail.
// Forget drops whatever the injector remembers about key.
type KeyedInjector interface {
	FailKey(key string) bool
	Forget(key string)
}

type none struct{}

func (none) Fail() bool              { return false }
func (none) FailKey(key string) bool { return false }
func (none) Forget(key string)       {}

// None never fails.
var None = none{}

type probability struct {
	p   float64
	rnd *rand.Rand
	mu  sync.Mutex
}

// Probability fails each call with probability p. A nil source seeds one from the clock.
func Probability(p float64, source rand.Source) Injector {
	if p <= 0 {
		return None
	}
	if p > 1 {
		p = 1
	}
	if source == nil {
		source = rand.NewSource(time.Now().UnixNano())
	}
	return &probability{p: p, rnd: rand.New(source)}
}

func (i *probability) Fail() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.rnd.Float64() < i.p
}

type after struct {
	n     int64
	calls int64
	mu    sync.Mutex
}

// After lets the first n calls pass and fails every later one.
func After(n int) Injector {
	return &after{n: int64(n)}
}

func (i *after) Fail() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.calls++
	return i.calls > i.n
}

type sequence struct {
	outcomes []bool
	next     int
	mu       sync.Mutex
}

// Sequence replays the given outcomes in order and passes once they are used up.
func Sequence(outcomes ...bool) Injector {
	return &sequence{outcomes: outcomes}
}

func (i *sequence) Fail() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.next >= len(i.outcomes) {
		return false
	}
	fail := i.outcomes[i.next]
	i.next++
	return fail
}

type anyOf []Injector

// Any fails when at least one of the injectors fails. Every injector is consulted on each call.
func Any(injectors ...Injector) Injector {
	var active anyOf
	for _, i := range injectors {
		if i == nil || i == Injector(None) {
			continue
		}
		active = append(active, i)
	}
	switch len(active) {
	case 0:
		return None
	case 1:
		return active[0]
	}
	return active
}

func (a anyOf) Fail() bool {
	failed := false
	for _, i := range a {
		if i.Fail() {
			failed = true
		}
	}
	return failed
}

type oncePerKey struct {
	skip  int
	seen  map[string]int
	fired map[string]bool
	mu    sync.Mutex
}

// OncePerKey fails exactly one call per key: the one following the first skip calls for that key.
func OncePerKey(skip int) KeyedInjector {
	return &oncePerKey{
		skip:  skip,
		seen:  map[string]int{},
		fired: map[string]bool{},
	}
}

func (i *oncePerKey) FailKey(key string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.fired[key] {
		return false
	}
	if i.seen[key] < i.skip {
		i.seen[key]++
		return false
	}
	delete(i.seen, key)
	i.fired[key] = true
	return true
}

func (i *oncePerKey) Forget(key string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	delete(i.seen, key)
	delete(i.fired, key)
}
