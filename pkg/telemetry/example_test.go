package telemetry_test

import (
	"context"
	"fmt"

	"github.com/openfroyo/stratus/pkg/engine"
	"github.com/openfroyo/stratus/pkg/telemetry"
)

// Example_eventFiltering streams the events of a single instance.
func Example_eventFiltering() {
	events := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})

	unsubscribe := events.Subscribe(func(e engine.Event) {
		fmt.Printf("%s %s %s\n", e.InstanceID, e.Level, e.Message)
	}, telemetry.AllOf(
		telemetry.FilterByOperationID("op-1"),
		telemetry.FilterByInstanceID("net.vpc:main"),
	))
	defer unsubscribe()

	ctx := context.Background()
	_ = events.Publish(ctx, &engine.Event{OperationID: "op-1", InstanceID: "net.vpc:main", Type: engine.EventInstanceStarted, Message: "applying"})
	_ = events.Publish(ctx, &engine.Event{OperationID: "op-1", InstanceID: "net.subnet:a", Type: engine.EventInstanceStarted, Message: "applying"})
	_ = events.Publish(ctx, &engine.Event{OperationID: "op-2", InstanceID: "net.vpc:main", Type: engine.EventInstanceStarted, Message: "other operation"})
	_ = events.Publish(ctx, &engine.Event{OperationID: "op-1", InstanceID: "net.vpc:main", Type: engine.EventInstanceFailed, Message: "quota exceeded"})

	// Output:
	// net.vpc:main info applying
	// net.vpc:main error quota exceeded
}
