// Package memory provides an in-memory implementation of the client and
// token store interfaces.
//
// Features:
//   - Thread-safe operations using sync.RWMutex
//   - Atomic read-modify-write callbacks for client counters, token use and
//     refresh token rotation
//   - Lock-free size gauges for instrumentation
//   - A cleanup loop (Run) that drops expired and revoked tokens after a
//     retention period
//
// Example usage:
//
//	store := memory.New()
//	g.Go(func() error { return store.Run(ctx) })
//
//	registry := server.NewClientRegistry(store, cfg, logger)
//	tokens := server.NewTokenManager(store, cfg, logger)
package memory
