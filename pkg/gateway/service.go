// Package gateway runs the long-lived bot process: channel adapters, the
// dispatcher, outbound delivery and the HTTP status server.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatflow/pkg/bus"
	"chatflow/pkg/channel"
	"chatflow/pkg/config"
	"chatflow/pkg/dispatch"

	"golang.org/x/sync/errgroup"
)

const (
	defaultHealthHost = "0.0.0.0"
	defaultHealthPort = 18790
)

type Service struct {
	cfg        *config.Config
	log        *slog.Logger
	bus        *bus.MessageBus
	dispatcher *dispatch.Dispatcher
	channels   []channel.Adapter

	mu                sync.RWMutex
	startedAt         time.Time
	dispatcherRunning bool
	delivered         int64
	deliveryFailures  int64
	lastDeliveryErr   string
	channelStates     map[string]channelState
}

type channelState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Status            string                  `json:"status"`
	UptimeSeconds     int64                   `json:"uptime_seconds"`
	DispatcherRunning bool                    `json:"dispatcher_running"`
	Delivered         int64                   `json:"delivered"`
	DeliveryFailures  int64                   `json:"delivery_failures"`
	LastDeliveryErr   string                  `json:"last_delivery_error,omitempty"`
	Channels          map[string]channelState `json:"channels"`
}

func NewService(cfg *config.Config, messageBus *bus.MessageBus, dispatcher *dispatch.Dispatcher, adapters []channel.Adapter, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if messageBus == nil {
		return nil, errors.New("message bus is required")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if len(adapters) == 0 {
		return nil, errors.New("at least one channel adapter is required")
	}
	if log == nil {
		log = slog.Default()
	}

	channelStates := make(map[string]channelState, len(adapters))
	for _, adapter := range adapters {
		if _, ok := channelStates[adapter.Name()]; ok {
			return nil, fmt.Errorf("channel %q registered twice", adapter.Name())
		}
		channelStates[adapter.Name()] = channelState{}
	}

	return &Service{
		cfg:           cfg,
		log:           log.With("component", "gateway.service"),
		bus:           messageBus,
		dispatcher:    dispatcher,
		channels:      adapters,
		channelStates: channelStates,
	}, nil
}

// Run blocks until ctx is done or a component fails.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.runHealthServer(gctx)
	})

	g.Go(func() error {
		s.setDispatcherRunning(true)
		defer s.setDispatcherRunning(false)
		return s.dispatcher.Run(gctx)
	})

	g.Go(func() error {
		dispatch.ObserveEvents(gctx, s.bus, s.log)
		return nil
	})

	g.Go(func() error {
		s.routeOutbound(gctx)
		return nil
	})

	for _, adapter := range s.channels {
		s.bus.RegisterSender(adapter.Name(), adapter.Send)
		s.setChannelState(adapter.Name(), channelState{Running: true})

		g.Go(func() error {
			err := adapter.Run(gctx, s.bus.PublishInbound)
			s.setChannelState(adapter.Name(), channelState{Running: false, Error: errorString(err)})
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run %s channel: %w", adapter.Name(), err)
			}
			return nil
		})
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// routeOutbound hands queued replies to the sender of their channel.
func (s *Service) routeOutbound(ctx context.Context) {
	for {
		msg, ok := s.bus.ConsumeOutbound(ctx)
		if !ok {
			return
		}

		sender, ok := s.bus.Sender(msg.Channel)
		if !ok {
			s.recordDelivery(fmt.Errorf("no sender for channel %q", msg.Channel))
			s.log.Warn("Dropping outbound message for unknown channel", "channel", msg.Channel, "user_id", msg.UserID)
			continue
		}

		err := sender(ctx, msg)
		s.recordDelivery(err)
		if err != nil {
			s.log.Error("Failed to deliver message", "channel", msg.Channel, "user_id", msg.UserID, "error", err)
		}
	}
}

// runHealthServer serves /healthz and /readyz. A negative gateway.port
// disables it, which the local console uses.
func (s *Service) runHealthServer(ctx context.Context) error {
	if s.cfg.Gateway.Port < 0 {
		return nil
	}

	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHealthHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultHealthPort
	}

	addr := host + ":" + strconv.Itoa(port)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway status server started", "address", addr)
	err := server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start status server: %w", err)
	}
	<-stopped

	return nil
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.currentStatus(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	channels := make(map[string]channelState, len(s.channelStates))
	for name, state := range s.channelStates {
		channels[name] = state
	}

	return statusResponse{
		Status:            status,
		UptimeSeconds:     uptime,
		DispatcherRunning: s.dispatcherRunning,
		Delivered:         s.delivered,
		DeliveryFailures:  s.deliveryFailures,
		LastDeliveryErr:   s.lastDeliveryErr,
		Channels:          channels,
	}
}

// isReady requires the dispatcher and at least one channel to be running.
func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.dispatcherRunning {
		return false
	}

	for _, state := range s.channelStates {
		if state.Running {
			return true
		}
	}

	return false
}

func (s *Service) setDispatcherRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatcherRunning = running
}

func (s *Service) recordDelivery(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.deliveryFailures++
		s.lastDeliveryErr = err.Error()
		return
	}
	s.delivered++
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
