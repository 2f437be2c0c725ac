// Package ws streams execution artifacts to clients over WebSocket.
//
// A connection follows one document. On connect the handler subscribes to
// the bus, replays the latest execution of each cell from disk to this
// connection only, then forwards live artifacts as they are published.
//
// Message Types (Client → Server):
//   - ping: Keep-alive ping
//
// Message Types (Server → Client):
//   - system: Subscription confirmed, with the number of replayed artifacts
//   - artifact: One execution artifact, flagged when replayed
//   - pong: Reply to ping
//   - error: Error occurred
//
// Example Usage:
//
//	handler := ws.NewHandler(ws.Options{Bus: b, Replayer: watcher})
//	router.GET("/documents/:id/stream", handler.HandleConnection)
package ws
