// Package server hosts the Fiber applications of the node: the public image
// app (common response headers, error handling, request IDs), the TLS
// listener built from control-plane issued PEM material, egress traffic
// shaping with byte accounting, and the shared upstream HTTP client.
// Route handlers live in other packages and are attached through the
// RouteRegistrar interface so this package stays free of cache logic.
package server
