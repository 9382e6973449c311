// Package engine implements the message-processing core: enqueue with
// deduplication, atomic claim with visibility leases, acknowledge and
// negative-acknowledge with retry backoff, dead-lettering, and the
// background sweeps that keep the message state machine honest.
//
// The engine is transport-agnostic. Workers are external callers that
// identify themselves with a worker ID; the engine hands them messages
// through Claim and trusts nothing else about them. A worker that
// disappears simply stops renewing its lease, and the timeout sweep
// returns its messages to pending.
//
// # Usage
//
//	st := memory.New()
//	eng := engine.New(st,
//	    conveyor.WithVisibilityTimeout(2*time.Minute),
//	    conveyor.WithRetryPolicy(backoff.NewExponentialWithJitter(time.Second, time.Minute)),
//	)
//	if err := eng.Start(ctx); err != nil {
//	    return err
//	}
//	defer eng.Stop(context.Background())
//
//	msg, err := eng.Enqueue(ctx, message.EnqueueRequest{
//	    QueueID: qid,
//	    Type:    "email.send",
//	    Payload: map[string]any{"to": "user@example.com"},
//	})
//
// A worker loop claims, processes, and settles:
//
//	msgs, _ := eng.Claim(ctx, workerID, []id.QueueID{qid}, 10)
//	for _, m := range msgs {
//	    if err := handle(m); err != nil {
//	        eng.NegativeAcknowledge(ctx, m.ID, workerID, err.Error())
//	        continue
//	    }
//	    eng.Acknowledge(ctx, m.ID, workerID)
//	}
//
// # Delivery guarantees
//
// Delivery is at-least-once. The store's conditional updates make stale
// workers harmless: once a message's lease expires and it is reclaimed,
// the original worker's acknowledge or negative-acknowledge misses and
// reports the message as not found. Handlers must tolerate duplicate
// deliveries.
package engine
