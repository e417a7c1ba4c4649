package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"disaster-relay/pkg/relay"
)

// Registry document keys. Watermark documents are {"id": ...}, the layout
// the legacy bot's JSON files used.
const (
	DestinationsKey    = "destinations.json"
	SubscribersKey     = "subscribers.json"
	SeismicMarkKey     = "last_seismic.json"
	PublicAlertMarkKey = "last_public_alert.json"
)

var watermarkKeys = map[relay.FeedKind]string{
	relay.FeedSeismic:     SeismicMarkKey,
	relay.FeedPublicAlert: PublicAlertMarkKey,
}

type watermarkDoc struct {
	ID string `json:"id,omitempty"`
}

// Registry holds the destination registry, the subscriber registry and the
// feed watermarks. Every mutation is written through to the backend before
// it becomes visible; a failed write leaves the previous state in place.
// Readers always receive copies.
type Registry struct {
	backend Backend
	logger  *slog.Logger

	destWrite    sync.Mutex
	destMu       sync.RWMutex
	destinations map[string]string

	subWrite    sync.Mutex
	subMu       sync.RWMutex
	subscribers map[string]relay.Subscriber

	markWrite  sync.Mutex
	markMu     sync.RWMutex
	watermarks map[relay.FeedKind]string
}

// Load reads every registry document from backend. Missing documents yield
// empty registries; unreadable or corrupt documents are an error.
func Load(ctx context.Context, backend Backend, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		backend:      backend,
		logger:       logger,
		destinations: make(map[string]string),
		subscribers:  make(map[string]relay.Subscriber),
		watermarks:   make(map[relay.FeedKind]string),
	}

	if err := r.readDoc(ctx, DestinationsKey, &r.destinations); err != nil {
		return nil, err
	}
	if err := r.readDoc(ctx, SubscribersKey, &r.subscribers); err != nil {
		return nil, err
	}
	for kind, key := range watermarkKeys {
		var doc watermarkDoc
		if err := r.readDoc(ctx, key, &doc); err != nil {
			return nil, err
		}
		if doc.ID != "" {
			r.watermarks[kind] = doc.ID
		}
	}

	// A document containing JSON null decodes to a nil map.
	if r.destinations == nil {
		r.destinations = make(map[string]string)
	}
	if r.subscribers == nil {
		r.subscribers = make(map[string]relay.Subscriber)
	}

	logger.Info("Registry loaded",
		"destinations", len(r.destinations),
		"subscribers", len(r.subscribers),
		"seismic_watermark", r.watermarks[relay.FeedSeismic],
		"public_alert_watermark", r.watermarks[relay.FeedPublicAlert])
	return r, nil
}

func (r *Registry) readDoc(ctx context.Context, key string, v any) error {
	data, err := r.backend.Read(ctx, key)
	if errors.Is(err, ErrNotFound) {
		r.logger.Info("Registry document missing, starting empty", "key", key)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

func (r *Registry) writeDoc(ctx context.Context, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := r.backend.Write(ctx, key, data); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// Destination returns the delivery target registered for tenant.
func (r *Registry) Destination(tenant string) (string, bool) {
	r.destMu.RLock()
	defer r.destMu.RUnlock()
	dest, ok := r.destinations[tenant]
	return dest, ok
}

// Destinations returns a copy of the destination registry.
func (r *Registry) Destinations() map[string]string {
	r.destMu.RLock()
	defer r.destMu.RUnlock()
	return maps.Clone(r.destinations)
}

// PutDestination registers or replaces the delivery target for tenant.
func (r *Registry) PutDestination(ctx context.Context, tenant, destination string) error {
	r.destWrite.Lock()
	defer r.destWrite.Unlock()

	next := r.Destinations()
	next[tenant] = destination
	if err := r.writeDoc(ctx, DestinationsKey, next); err != nil {
		return err
	}

	r.destMu.Lock()
	r.destinations = next
	r.destMu.Unlock()

	r.logger.Info("Destination registered", "tenant", tenant, "destination", destination)
	return nil
}

// Subscriber returns the location registered for id.
func (r *Registry) Subscriber(id string) (relay.Subscriber, bool) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	sub, ok := r.subscribers[id]
	return sub, ok
}

// Subscribers returns a copy of the subscriber registry.
func (r *Registry) Subscribers() map[string]relay.Subscriber {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	return maps.Clone(r.subscribers)
}

// PutSubscriber registers or replaces the location for id.
func (r *Registry) PutSubscriber(ctx context.Context, id string, sub relay.Subscriber) error {
	r.subWrite.Lock()
	defer r.subWrite.Unlock()

	next := r.Subscribers()
	next[id] = sub
	if err := r.writeDoc(ctx, SubscribersKey, next); err != nil {
		return err
	}

	r.subMu.Lock()
	r.subscribers = next
	r.subMu.Unlock()

	r.logger.Info("Subscriber location registered", "subscriber", id, "location", sub.Location)
	return nil
}

// Watermark returns the last seen id for kind, or "" if none was recorded.
func (r *Registry) Watermark(kind relay.FeedKind) string {
	r.markMu.RLock()
	defer r.markMu.RUnlock()
	return r.watermarks[kind]
}

// SetWatermark persists id as the last seen id for kind.
func (r *Registry) SetWatermark(ctx context.Context, kind relay.FeedKind, id string) error {
	key, ok := watermarkKeys[kind]
	if !ok {
		return fmt.Errorf("feed %q has no persisted watermark", kind)
	}

	r.markWrite.Lock()
	defer r.markWrite.Unlock()

	if err := r.writeDoc(ctx, key, watermarkDoc{ID: id}); err != nil {
		return err
	}

	r.markMu.Lock()
	r.watermarks[kind] = id
	r.markMu.Unlock()

	r.logger.Debug("Watermark recorded", "feed", kind, "id", id)
	return nil
}
