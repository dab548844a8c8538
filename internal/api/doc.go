// Package api serves the replica to local consumers: wall panels, the
// voice pipeline and any other process on the LAN that wants hub state
// without touching the hub.
//
// It re-serves both halves of the sync surface. REST endpoints read the
// in-memory replica and accept optimistic writes; a websocket endpoint
// re-broadcasts state changes using the hub's own wire protocol, so a
// client written against the hub works against the mirror unchanged.
//
// The server follows the same lifecycle pattern as the other long-lived
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
