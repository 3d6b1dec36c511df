package router

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"example.com/h2drain/internal/config"
	"example.com/h2drain/internal/http2"
	"example.com/h2drain/internal/logger"
	"example.com/h2drain/internal/server"
)

type routeEntry struct {
	route   config.Route
	handler http2.Handler
}

// Router dispatches request streams to the handler of the matching route.
// Exact matches take precedence over prefix matches, and among prefix matches
// the longest pattern wins.
type Router struct {
	exactRoutes map[string]routeEntry
	// prefixRoutes is sorted longest pattern first.
	prefixRoutes []routeEntry

	log *logger.Logger
}

// NewRouter builds the routing table and instantiates every route's handler
// through registry. Any handler construction failure fails the whole router.
func NewRouter(routes []config.Route, registry *server.HandlerRegistry, lg *logger.Logger) (*Router, error) {
	if registry == nil {
		return nil, fmt.Errorf("handler registry cannot be nil")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	r := &Router{
		exactRoutes: make(map[string]routeEntry),
		log:         lg,
	}
	for _, route := range routes {
		h, err := registry.CreateHandler(route.HandlerType, route.HandlerConfig.JSON(), lg)
		if err != nil {
			return nil, fmt.Errorf("route %q (%s): %w", route.PathPattern, route.HandlerType, err)
		}
		entry := routeEntry{route: route, handler: h}
		switch route.MatchType {
		case config.MatchTypeExact:
			if _, dup := r.exactRoutes[route.PathPattern]; dup {
				return nil, fmt.Errorf("duplicate exact route %q", route.PathPattern)
			}
			r.exactRoutes[route.PathPattern] = entry
		case config.MatchTypePrefix:
			r.prefixRoutes = append(r.prefixRoutes, entry)
		default:
			return nil, fmt.Errorf("route %q has unknown match type %q", route.PathPattern, route.MatchType)
		}
	}

	sort.SliceStable(r.prefixRoutes, func(i, j int) bool {
		return len(r.prefixRoutes[i].route.PathPattern) > len(r.prefixRoutes[j].route.PathPattern)
	})
	return r, nil
}

// MatchedRouteInfo holds the matched route and its handler.
type MatchedRouteInfo struct {
	Handler http2.Handler
	Route   config.Route
}

// FindRoute returns the route for path, or nil when none matches.
func (r *Router) FindRoute(path string) *MatchedRouteInfo {
	if e, ok := r.exactRoutes[path]; ok {
		return &MatchedRouteInfo{Handler: e.handler, Route: e.route}
	}
	for _, e := range r.prefixRoutes {
		if strings.HasPrefix(path, e.route.PathPattern) {
			return &MatchedRouteInfo{Handler: e.handler, Route: e.route}
		}
	}
	return nil
}

// ServeHTTP2 dispatches on req.URL.Path and answers 404 when no route matches.
func (r *Router) ServeHTTP2(w http2.StreamWriter, req *http.Request) {
	matched := r.FindRoute(req.URL.Path)
	if matched == nil {
		r.log.Info("No route matched for request", logger.LogFields{
			"path":      req.URL.Path,
			"stream_id": w.ID(),
		})
		if err := server.WriteErrorResponse(w, http.StatusNotFound, req, "", r.log); err != nil {
			r.log.Debug("Failed to write 404 response", logger.LogFields{"stream_id": w.ID(), "error": err.Error()})
		}
		return
	}
	matched.Handler.ServeHTTP2(w, req)
}
