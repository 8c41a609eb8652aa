// Package storage defines the tiered persistence contract for short-lived
// authorization-flow secrets.
//
// A flow's secret material (PKCE verifier, CSRF state, nonce hash) is written
// redundantly to several tiers and read back from the fastest tier that still
// holds it. Authorization redirects leave and re-enter the process, so
// material generated before the redirect must outlive in-memory state.
//
// The Tier interface is implemented four times, in falling speed and rising
// durability:
//   - storage/memory: in-process cache, lost on restart
//   - storage/scratch: session-scoped scratch directory, survives restart
//     within a session
//   - storage/statedir: durable state directory, survives restarts
//   - storage/bolt: transactional document store, last resort
package storage
