// Package fifo provides an unbounded first-in first-out queue with a
// blocking, context-aware Pop.
//
// statemesh uses it for frames that have been ordered by a sequencer and
// wait for the local replica to read them:
//
//	q := fifo.New[[]byte]()
//	q.Push(frame)
//	frame, err := q.Pop(ctx)
//
// After Close, Push drops values and Pop drains what is left, then
// returns io.EOF.
package fifo
