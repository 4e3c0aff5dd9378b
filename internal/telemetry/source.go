// Package telemetry compares installer-entered sensor readings with the readings
// the devices report to the server, and feeds the outcome into the installation
// state machine as an automated pre-verification.
package telemetry

import (
	"context"

	"installcore/internal/adapters/collections"
	"installcore/pkg/domain"
)

// Source returns the latest server-side reading of a device. Implementations
// return domain.NotFoundError when the device has not reported yet.
type Source interface {
	Reading(ctx context.Context, deviceID string) (domain.ServerData, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, deviceID string) (domain.ServerData, error)

// Reading implements Source.
func (f SourceFunc) Reading(ctx context.Context, deviceID string) (domain.ServerData, error) {
	return f(ctx, deviceID)
}

// StoreSource reads the server_data collection of the document store.
type StoreSource struct {
	data *collections.Collection[domain.ServerData]
}

// NewStoreSource constructs a StoreSource over store.
func NewStoreSource(store domain.PersistentStore) *StoreSource {
	return &StoreSource{data: collections.ServerData(store)}
}

// Reading implements Source. ServerData documents are keyed by device id.
func (s *StoreSource) Reading(ctx context.Context, deviceID string) (domain.ServerData, error) {
	return s.data.Get(ctx, deviceID)
}
