// Package server hosts the Fiber HTTP service, the request middleware chain and
// the scope registry that maps a Host header onto one offline-cached application.
// Each ScopeRoute bundles the scope's cache storage, its worker host and the
// fetcher that talks to the origin, so proxy and diagnostics handlers only need
// the route to do their work.
package server
