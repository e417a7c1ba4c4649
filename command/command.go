// Package command implements the operations behind the chat and admin
// command surfaces: registering destinations and subscriber locations,
// and suspending or resuming notifications.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"disaster-relay/geocode"
	"disaster-relay/observability"
	"disaster-relay/pkg/relay"
)

var (
	// ErrForbidden is returned when a privileged operation is invoked by a non-admin actor.
	ErrForbidden = errors.New("administrator permission required")
	// ErrNotRegistered is returned by the show operations when nothing is registered.
	ErrNotRegistered = errors.New("not registered")
	// ErrInvalidArgument is returned for empty ids or names.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Actor is the caller of an operation. The transport decides Admin.
type Actor struct {
	ID    string
	Admin bool
}

// Registry is the registry store as seen by commands.
type Registry interface {
	Destination(tenant string) (string, bool)
	PutDestination(ctx context.Context, tenant, destination string) error
	Subscriber(id string) (relay.Subscriber, bool)
	PutSubscriber(ctx context.Context, id string, sub relay.Subscriber) error
}

// Gate is the notification switch.
type Gate interface {
	IsActive() bool
	Suspend() bool
	Resume() bool
}

// Service carries out commands.
type Service struct {
	registry  Registry
	geocoder  geocode.Geocoder
	gate      Gate
	metrics   *observability.Metrics
	logger    *slog.Logger
	normalize func(string) string
}

// New creates a command service.
func New(registry Registry, geocoder geocode.Geocoder, gate Gate, metrics *observability.Metrics, logger *slog.Logger) *Service {
	return &Service{
		registry:  registry,
		geocoder:  geocoder,
		gate:      gate,
		metrics:   metrics,
		logger:    logger,
		normalize: func(s string) string { return s },
	}
}

// WithDestinationNormalizer sets a function applied to destination ids before they are stored.
func (s *Service) WithDestinationNormalizer(fn func(string) string) *Service {
	s.normalize = fn
	return s
}

// RegisterDestination sets the delivery target for tenant. Admin only.
func (s *Service) RegisterDestination(ctx context.Context, actor Actor, tenant, destination string) (string, error) {
	if !actor.Admin {
		s.logger.Warn("Refused destination registration", "actor", actor.ID, "tenant", tenant)
		return "", ErrForbidden
	}
	tenant = strings.TrimSpace(tenant)
	destination = strings.TrimSpace(destination)
	if tenant == "" || destination == "" {
		return "", fmt.Errorf("%w: tenant and destination are required", ErrInvalidArgument)
	}

	destination = s.normalize(destination)
	if err := s.registry.PutDestination(ctx, tenant, destination); err != nil {
		return "", fmt.Errorf("register destination: %w", err)
	}
	return destination, nil
}

// ShowDestination returns the delivery target registered for tenant.
func (s *Service) ShowDestination(tenant string) (string, error) {
	dest, ok := s.registry.Destination(tenant)
	if !ok {
		return "", ErrNotRegistered
	}
	return dest, nil
}

// RegisterSubscriberLocation geocodes location and stores it for subscriber.
// Geocoding failures wrap geocode.ErrUnresolvedLocation.
func (s *Service) RegisterSubscriberLocation(ctx context.Context, subscriber, location string) (relay.Subscriber, error) {
	subscriber = strings.TrimSpace(subscriber)
	location = strings.TrimSpace(location)
	if subscriber == "" || location == "" {
		return relay.Subscriber{}, fmt.Errorf("%w: subscriber and location are required", ErrInvalidArgument)
	}

	res, err := s.geocoder.Geocode(ctx, location)
	if err != nil {
		s.logger.Info("Location lookup failed", "subscriber", subscriber, "location", location, "error", err)
		if errors.Is(err, geocode.ErrUnresolvedLocation) {
			return relay.Subscriber{}, err
		}
		return relay.Subscriber{}, fmt.Errorf("%w: %w", geocode.ErrUnresolvedLocation, err)
	}
	if res.Lat < -90 || res.Lat > 90 || res.Lon < -180 || res.Lon > 180 {
		return relay.Subscriber{}, fmt.Errorf("%w: coordinates %.4f,%.4f out of range", geocode.ErrUnresolvedLocation, res.Lat, res.Lon)
	}

	sub := relay.Subscriber{Location: location, Lat: res.Lat, Lon: res.Lon}
	if err := s.registry.PutSubscriber(ctx, subscriber, sub); err != nil {
		return relay.Subscriber{}, fmt.Errorf("register location: %w", err)
	}
	return sub, nil
}

// ShowSubscriberLocation returns the location registered for subscriber.
func (s *Service) ShowSubscriberLocation(subscriber string) (relay.Subscriber, error) {
	sub, ok := s.registry.Subscriber(subscriber)
	if !ok {
		return relay.Subscriber{}, ErrNotRegistered
	}
	return sub, nil
}

// Suspend stops all notifications. Admin only. changed is false if already suspended.
func (s *Service) Suspend(actor Actor) (changed bool, err error) {
	if !actor.Admin {
		s.logger.Warn("Refused suspend", "actor", actor.ID)
		return false, ErrForbidden
	}
	changed = s.gate.Suspend()
	s.metrics.GateActive.Set(0)
	s.logger.Info("Notifications suspended", "actor", actor.ID, "changed", changed)
	return changed, nil
}

// Resume restarts notifications. Admin only. changed is false if already active.
func (s *Service) Resume(actor Actor) (changed bool, err error) {
	if !actor.Admin {
		s.logger.Warn("Refused resume", "actor", actor.ID)
		return false, ErrForbidden
	}
	changed = s.gate.Resume()
	s.metrics.GateActive.Set(1)
	s.logger.Info("Notifications resumed", "actor", actor.ID, "changed", changed)
	return changed, nil
}

// Active reports whether notifications are enabled.
func (s *Service) Active() bool {
	return s.gate.IsActive()
}

// Help returns the user-facing help text.
func (*Service) Help() string {
	return helpText
}

const helpText = `【地震Bot ヘルプ】

使い方例：
help                  このヘルプを表示します。
setregion [地域名]     地震通知を受け取る地域を設定します。例: setregion 東京
showregion            現在の設定地域を確認します。
setchannel            このチャンネルを通知チャンネルに設定します。（管理者のみ）
showchannel           通知チャンネルを表示します。
stop                  地震通知を停止します。（管理者のみ）
start                 地震通知を再開します。（管理者のみ）

※ 地震速報は気象庁などの情報を元に配信しています。
※ 地震発生時は安全確保を第一に行動してください。`
