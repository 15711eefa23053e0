package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/bikeshop/order-service/internal/services"
)

// Sink is a named publisher.
type Sink struct {
	Name      string
	Publisher services.EventPublisher
}

// Fanout publishes each event to every sink. One failing sink does not stop the others.
type Fanout struct {
	sinks []Sink
}

var _ services.EventPublisher = (*Fanout)(nil)

func NewFanout(sinks ...Sink) *Fanout {
	kept := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink.Publisher != nil {
			kept = append(kept, sink)
		}
	}
	return &Fanout{sinks: kept}
}

// Len returns the number of sinks.
func (f *Fanout) Len() int {
	return len(f.sinks)
}

func (f *Fanout) Publish(ctx context.Context, event services.Event) error {
	var errs []error
	for _, sink := range f.sinks {
		if err := sink.Publisher.Publish(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name, err))
		}
	}
	return errors.Join(errs...)
}
