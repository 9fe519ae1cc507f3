package reconcile

import (
	"context"
	"log/slog"
	"sync"

	"github.com/relves/convosync/pkg/types"
)

// Handler processes one inbound object arrival.
type Handler func(ctx context.Context, event ArrivalEvent) error

// Dispatcher is the registration hook the replication layer calls for
// every inbound versioned-object event. Handler failures are logged and
// swallowed; only retryable ones are reported back so the layer can
// re-deliver.
type Dispatcher struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[types.ObjectType][]Handler
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:   logger,
		handlers: make(map[types.ObjectType][]Handler),
	}
}

// Register adds a handler for an object type.
func (d *Dispatcher) Register(objectType types.ObjectType, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[objectType] = append(d.handlers[objectType], handler)
}

// RegisterReconciler wires the reconciler's standard handlers: group
// arrivals and certificate arrivals.
func (d *Dispatcher) RegisterReconciler(r *Reconciler) {
	d.Register(types.ObjectGroup, r.HandleGroupArrival)
	d.Register(types.ObjectCertificate, r.HandleCertificateArrival)
}

// Dispatch runs every handler registered for the event's type. It
// returns a RetryableError when any handler asked for re-delivery;
// other handler failures are logged and do not propagate, since arrival
// processing has no caller to report to.
func (d *Dispatcher) Dispatch(ctx context.Context, event ArrivalEvent) error {
	d.mu.RLock()
	handlers := d.handlers[event.Type]
	d.mu.RUnlock()

	var retry error
	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			if IsRetryable(err) {
				retry = err
				continue
			}
			d.logger.Error("arrival handler failed", "ref", event.Ref, "type", event.Type, "error", err)
		}
	}
	return retry
}
