// Package eventspine is a process-local event backbone: publish/subscribe
// with a durable event log, at-least-once delivery with retry, replay, and
// health monitoring.
//
// The Gateway is the single entry point producers use. Emitting an event
// validates the envelope and payload, appends a pending record to the store,
// updates metrics, and fans the event out to its registered subscribers in
// priority order. Sync subscribers run inline; async subscribers run on a
// bounded worker pool. Each subscriber is retried independently with
// exponential backoff, and one subscriber's failure never stops the others.
// Once a dispatch round settles, the stored record is marked completed or
// failed.
//
// The replay engine re-queries the store under filter criteria and re-drives
// historical events through the same path, tagged as replays and emitted
// under "<type>.replay" topics. Replay is additive: originals are never
// touched.
//
// Basic usage:
//
//	g, err := eventspine.New(eventspine.WithStorePath("./events.db"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer g.Close()
//
//	g.Subscribe("order.created", "inventory", func(ctx context.Context, evt *event.Envelope) error {
//		// handle the event
//		return nil
//	}, dispatch.WithPriority(10))
//
//	id, err := g.Emit(ctx, "order.created", map[string]any{"orderId": "o1"})
package eventspine
