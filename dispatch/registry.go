package dispatch

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownTask is returned on lookup of a task kind no handler serves.
var ErrUnknownTask = errors.New("unknown task kind")

// Registry maps task kinds to handlers. It's populated once at startup
// and read-only after.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry(handlers ...Handler) (*Registry, error) {
	var m = make(map[string]Handler, len(handlers))
	for _, h := range handlers {
		if h.Kind() == "" {
			return nil, errors.New("handler has an empty task kind")
		} else if _, ok := m[h.Kind()]; ok {
			return nil, fmt.Errorf("duplicate handler for task kind %q", h.Kind())
		}
		m[h.Kind()] = h
	}
	return &Registry{handlers: m}, nil
}

func (r *Registry) Lookup(kind string) (Handler, error) {
	var h, ok = r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("task kind %q: %w", kind, ErrUnknownTask)
	}
	return h, nil
}

// Kinds lists registered task kinds, sorted.
func (r *Registry) Kinds() []string {
	var kinds = make([]string, 0, len(r.handlers))
	for kind := range r.handlers {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
