package router

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// DefaultRouteName names the catch-all route when the caller leaves it blank.
const DefaultRouteName = "default"

var (
	ErrInvalidPrefix   = errors.New("invalid route prefix")
	ErrDuplicatePrefix = errors.New("duplicate route prefix")
	ErrInvalidTarget   = errors.New("invalid route target")
	ErrDuplicateName   = errors.New("duplicate route name")
)

// Route binds a path prefix to a backend base URL.
type Route struct {
	Name   string
	Prefix string
	Target *url.URL
	// StripPrefix drops Prefix from the forwarded path, so the remainder is
	// appended to Target's own path.
	StripPrefix bool
}

// Table resolves request paths to routes. Prefixes match on whole path
// segments and the longest one wins; everything else goes to the default
// route. A Table is immutable and safe for concurrent use.
type Table struct {
	fallback *Route
	routes   []*Route
}

// NewTable validates the routes and builds a Table. The default route's
// prefix is ignored.
func NewTable(fallback Route, routes ...Route) (*Table, error) {
	if err := validateTarget(fallback); err != nil {
		return nil, err
	}
	if fallback.Name == "" {
		fallback.Name = DefaultRouteName
	}
	fallback.Prefix = "/"
	fallback.StripPrefix = false

	t := &Table{fallback: &fallback}
	seen := make(map[string]struct{}, len(routes))
	// names key breakers and metrics, so they must be unique too
	names := map[string]struct{}{fallback.Name: {}}

	for i := range routes {
		r := routes[i]

		prefix, err := normalizePrefix(r.Prefix)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[prefix]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePrefix, prefix)
		}
		seen[prefix] = struct{}{}

		if err := validateTarget(r); err != nil {
			return nil, err
		}

		r.Prefix = prefix
		if r.Name == "" {
			r.Name = strings.TrimPrefix(prefix, "/")
		}
		if _, dup := names[r.Name]; dup {
			return nil, fmt.Errorf("%w: %q (prefix %s)", ErrDuplicateName, r.Name, prefix)
		}
		names[r.Name] = struct{}{}
		t.routes = append(t.routes, &r)
	}

	sort.SliceStable(t.routes, func(i, j int) bool {
		return len(t.routes[i].Prefix) > len(t.routes[j].Prefix)
	})

	return t, nil
}

// Match returns the route for path and the path to append to the route's
// target. It never returns a nil route.
func (t *Table) Match(path string) (*Route, string) {
	for _, r := range t.routes {
		rest, ok := cutSegmentPrefix(path, r.Prefix)
		if !ok {
			continue
		}
		if r.StripPrefix {
			return r, rest
		}
		return r, path
	}

	return t.fallback, path
}

// Routes returns every route, longest prefix first, with the default last.
func (t *Table) Routes() []*Route {
	out := make([]*Route, 0, len(t.routes)+1)
	out = append(out, t.routes...)
	return append(out, t.fallback)
}

// Default returns the catch-all route.
func (t *Table) Default() *Route {
	return t.fallback
}

// cutSegmentPrefix reports whether path is prefix itself or lies below it,
// and returns what follows the prefix ("" or a string starting with "/").
func cutSegmentPrefix(path, prefix string) (string, bool) {
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	rest := path[len(prefix):]
	if rest != "" && rest[0] != '/' {
		return "", false
	}
	return rest, true
}

func normalizePrefix(prefix string) (string, error) {
	if !strings.HasPrefix(prefix, "/") {
		return "", fmt.Errorf("%w: %q must start with /", ErrInvalidPrefix, prefix)
	}
	p := "/" + strings.Trim(prefix, "/")
	if p == "/" {
		return "", fmt.Errorf("%w: root prefix belongs to the default route", ErrInvalidPrefix)
	}
	return p, nil
}

func validateTarget(r Route) error {
	if r.Target == nil {
		return fmt.Errorf("%w: route %q has no target", ErrInvalidTarget, r.Name)
	}
	if r.Target.Scheme != "http" && r.Target.Scheme != "https" {
		return fmt.Errorf("%w: route %q scheme %q", ErrInvalidTarget, r.Name, r.Target.Scheme)
	}
	if r.Target.Host == "" {
		return fmt.Errorf("%w: route %q has no host", ErrInvalidTarget, r.Name)
	}
	return nil
}
