// Package events provides in-process pub/sub distribution of engine
// events and read access to the durable activity log behind them.
//
// Services persist events through the event repository inside their own
// transactions; after commit they hand the same event to the Broker,
// which fans it out to subscribers. Delivery is best-effort: each
// subscriber has a small buffer and falls behind silently rather than
// blocking the publishing service.
//
// The Log type reads the persisted trail back out: recent activity
// overall, per run, or per task.
//
// # Usage
//
//	broker := events.NewBroker()
//	broker.Start()
//	defer broker.Stop()
//
//	sub := broker.Subscribe(types.EventRunStarted, types.EventRunCompleted)
//	defer broker.Unsubscribe(sub)
//
//	for e := range sub {
//		fmt.Println(e.Type, e.Content)
//	}
//
// # See Also
//
//   - pkg/repo: durable event rows the broker mirrors
//   - pkg/engine: wires the broker into the services
package events
