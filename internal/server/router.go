package server

import "net/http"

// Routes is the handler set the router dispatches to. The proxy is the
// catch-all; the local endpoints take precedence over forwarding.
type Routes struct {
	// Proxy handles every path not claimed by a local endpoint.
	Proxy http.Handler
	// SmartConfiguration serves the SMART discovery document.
	SmartConfiguration http.HandlerFunc
	// Settings serves the redacted configuration views.
	Settings http.HandlerFunc
	// Metrics serves the Prometheus scrape endpoint.
	Metrics http.Handler
}

// NewRouter assembles the HTTP mux. Routing is by full relative path: the few
// local endpoints are registered explicitly and everything else flows into
// the proxy pipeline.
func NewRouter(routes Routes) http.Handler {
	mux := http.NewServeMux()
	if routes.Metrics != nil {
		mux.Handle("/metrics", routes.Metrics)
	}
	if routes.SmartConfiguration != nil {
		mux.HandleFunc("/fhir/.well-known/smart-configuration", routes.SmartConfiguration)
	}
	if routes.Settings != nil {
		mux.HandleFunc("/settings", routes.Settings)
		mux.HandleFunc("/settings/", routes.Settings)
	}
	if routes.Proxy != nil {
		mux.Handle("/", routes.Proxy)
	}
	return mux
}
