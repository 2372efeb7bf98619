// Package shutdown coordinates graceful termination of statemesh-server.
//
// Components register named hooks; on SIGINT, SIGTERM or cancellation of
// the serving context the hooks run in reverse registration order under
// one shared timeout.
//
// Usage:
//
//	h := shutdown.NewHandler(30*time.Second, logger)
//	h.OnShutdown("replica", replica.Close)
//	err := h.Wait(ctx)
package shutdown
