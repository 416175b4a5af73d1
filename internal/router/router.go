// Package router resolves broker topics to handlers and synthesizes the
// per-event KaiState record.
//
// The registry is an ordered list of (pattern, handler) pairs evaluated
// first-match, so callers register the most specific patterns first.
// Patterns are compiled once at registration and anchored to match the full
// topic.
package router

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNoHandler is returned by Resolve when no registered pattern matches the
// topic. The loader sidelines such envelopes to the unknown-topic store.
var ErrNoHandler = errors.New("no handler for topic")

type (
	// Registry is an ordered topic-pattern registry over handler values of
	// type H. Stateless after registration; safe for concurrent Resolve.
	Registry[H any] struct {
		routes []route[H]
	}

	route[H any] struct {
		pattern *regexp.Regexp
		handler H
	}
)

// NewRegistry creates an empty registry.
func NewRegistry[H any]() *Registry[H] {
	return &Registry[H]{}
}

// Register compiles pattern and appends it with its handler. The pattern is
// anchored (^...$) unless already anchored, so it must match the whole
// topic. Registration order is resolution order.
func (r *Registry[H]) Register(pattern string, handler H) error {
	if !strings.HasPrefix(pattern, "^") {
		pattern = "^" + pattern
	}

	if !strings.HasSuffix(pattern, "$") {
		pattern += "$"
	}

	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid topic pattern %q: %w", pattern, err)
	}

	r.routes = append(r.routes, route[H]{pattern: compiled, handler: handler})

	return nil
}

// Resolve returns the handler of the first pattern fully matching topic, or
// ErrNoHandler.
func (r *Registry[H]) Resolve(topic string) (H, error) {
	for i := range r.routes {
		if r.routes[i].pattern.MatchString(topic) {
			return r.routes[i].handler, nil
		}
	}

	var zero H

	return zero, fmt.Errorf("%w: %s", ErrNoHandler, topic)
}

// Len returns the number of registered routes.
func (r *Registry[H]) Len() int {
	return len(r.routes)
}
