// Package broadcast implements shelf's live query fan-out.
//
// The Router receives committed change events from the capture pump and
// keeps every live subscription's result window current without touching
// the store on the hot path.
//
// Event Processing Flow:
// 1. capture.Pump calls Router.Deliver, which appends to a FIFO queue
// 2. Router.Run dequeues events one at a time, in commit order
// 3. For each subscription on the event's collection the row is checked
// against the broadcast rule and the subscription's predicates, in memory
// 4. The delta is classified against the window: insert, update, delete
// or no-op, with limit eviction and the running total maintained
// 5. A debounce timer per subscription sends one coalesced Batch
//
// Windows:
// A limited window may lose rows it cannot refill from events alone (a row
// leaves while more matches exist outside the window). The subscription
// then re-reads its window from the store in the background, buffering
// events meanwhile, exactly as the initial subscribe does. The next batch
// carries the difference, so a subscriber always converges to what a fresh
// query would return.
//
// Joins are resolved when a batch is sent. Changes to a joined collection
// do not by themselves produce patches.
package broadcast
