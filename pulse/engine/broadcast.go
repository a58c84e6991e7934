package engine

import "github.com/teranos/reportd/pulse/schedule"

// Broadcaster receives engine events, e.g. to push them to dashboard clients.
// Implementations must not block.
type Broadcaster interface {
	BroadcastExecution(exec *schedule.Execution)
	BroadcastDelivery(entry *schedule.DeliveryLog, state *schedule.Delivery)
}

// deliveryObserver forwards dispatcher outcomes to a Broadcaster
type deliveryObserver struct {
	b Broadcaster
}

func (o deliveryObserver) DeliveryAttempted(entry *schedule.DeliveryLog, state *schedule.Delivery) {
	snapshot := *state
	o.b.BroadcastDelivery(entry, &snapshot)
}

// publish sends a copy so the receiver never shares the runner's struct
func (e *Engine) publish(exec *schedule.Execution) {
	if e.broadcaster == nil {
		return
	}
	snapshot := *exec
	e.broadcaster.BroadcastExecution(&snapshot)
}
