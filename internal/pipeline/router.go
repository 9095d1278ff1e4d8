package pipeline

import (
	"errors"
	"fmt"

	"intelrelay/internal/transport"
)

// ErrNoRoute means neither a route nor a default destination exists.
var ErrNoRoute = errors.New("no destination for source")

// Router maps monitored sources to output destinations.
type Router struct {
	routes   map[transport.SourceID]transport.Destination
	fallback transport.Destination
}

// NewRouter validates routes (source -> destination). fallback may be empty
// only if every monitored source has a route.
func NewRouter(routes map[string]string, fallback string) (*Router, error) {
	r := &Router{
		routes:   make(map[transport.SourceID]transport.Destination, len(routes)),
		fallback: transport.Destination(transport.NormalizeSource(fallback)),
	}
	for src, dst := range routes {
		k := transport.NormalizeSource(src)
		d := transport.NormalizeSource(dst)
		if k == "" || d == "" {
			return nil, fmt.Errorf("route %q -> %q: source and destination are required", src, dst)
		}
		r.routes[k] = transport.Destination(d)
	}
	return r, nil
}

// Route picks the destination for ev, trying each of its keys before the
// default destination.
func (r *Router) Route(ev transport.InboundEvent) (transport.Destination, error) {
	for _, k := range ev.Keys() {
		if d, ok := r.routes[transport.NormalizeSource(string(k))]; ok {
			return d, nil
		}
	}
	if r.fallback != "" {
		return r.fallback, nil
	}
	return "", fmt.Errorf("%w %s", ErrNoRoute, ev.Source)
}

// Destinations lists every distinct destination, default first.
func (r *Router) Destinations() []transport.Destination {
	seen := map[transport.Destination]bool{}
	var out []transport.Destination
	if r.fallback != "" {
		seen[r.fallback] = true
		out = append(out, r.fallback)
	}
	for _, d := range r.routes {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}
