// Package notify maps snapshot diffs to subscribers at key and subkey
// granularity.
//
// A Dispatcher implements pipeline.Listener. Subscriptions return a Token;
// releasing it unregisters the listener. Tokens are generation-checked
// handles into an arena, so a stale token is detected instead of silently
// releasing a newer subscription that reused the slot.
package notify
