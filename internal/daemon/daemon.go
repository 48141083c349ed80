package daemon

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/carnitrack/edge/internal/activity"
	"github.com/carnitrack/edge/internal/api"
	"github.com/carnitrack/edge/internal/cloudclient"
	"github.com/carnitrack/edge/internal/domain"
	"github.com/carnitrack/edge/internal/events"
	"github.com/carnitrack/edge/internal/offlinebatch"
	"github.com/carnitrack/edge/internal/registry"
	"github.com/carnitrack/edge/internal/sessioncache"
	"github.com/carnitrack/edge/internal/store"
	"github.com/carnitrack/edge/internal/syncsvc"
	"github.com/carnitrack/edge/internal/tcpserver"
)

// Daemon is the core edge gateway runtime. It wires together every
// component named in SPEC_FULL.md §5.
type Daemon struct {
	Config Config
	DB     *store.DB

	Registry  *registry.Registry
	Activity  *activity.Monitor
	Sessions  *sessioncache.Cache
	Batches   *offlinebatch.Manager
	Events    *events.Processor
	Cloud     *cloudclient.Client
	Sync      *syncsvc.Service
	TCP       *tcpserver.Server
	API       *api.Server

	cancel context.CancelFunc
}

// New creates a Daemon loading configuration from $EDGE_HOME.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(cfg Config) (*Daemon, error) {
	db, err := store.Open(edgeHome())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	reg := registry.New(db)
	if err := reg.Load(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load devices: %w", err)
	}

	cloud := cloudclient.New(cloudclient.Config{
		BaseURL:           cfg.Cloud.APIURL,
		ClientVersion:     cfg.Cloud.ClientVersion,
		EventSendTimeout:  millis(cfg.Cloud.EventSendTimeoutMS),
		MaxRetries:        cfg.Cloud.MaxRetries,
		RetryDelay:        millis(cfg.Cloud.RetryDelayMS),
		BackoffMultiplier: cfg.Cloud.BackoffMultiplier,
		MaxRetryDelay:     millis(cfg.Cloud.MaxRetryDelayMS),
		QueueWhenOffline:  true,
		MaxQueueSize:      cfg.Cloud.MaxQueueSize,
	}, db, nil)

	// The ensurer closes over cloud itself — Register's RegisterRequest
	// needs capabilities/version the identity-store-shaped
	// EdgeIdentityEnsurer signature doesn't carry, so it is built after
	// construction and installed via SetIdentityEnsurer.
	cloud.SetIdentityEnsurer(func(ctx context.Context, reason string) (domain.EdgeIdentity, error) {
		log.Printf("[daemon] registering with Cloud: %s", reason)
		return cloud.Register(ctx, cloudclient.RegisterRequest{
			Version:      cfg.Cloud.ClientVersion,
			Capabilities: []string{"retail-scale", "butcher-scale"},
		})
	})

	batches := offlinebatch.New(offlinebatch.Config{
		MaxEventsPerBatch: cfg.Offline.MaxEventsPerBatch,
	}, db, uuid.NewString)

	deviceIDs := deviceIDsOf(reg.List())
	if err := batches.Load(deviceIDs); err != nil {
		db.Close()
		return nil, fmt.Errorf("load offline batches: %w", err)
	}

	eventProcessor := events.New(db, reg, cloud, batches, uuid.NewString, cfg.Offline.MaxSyncAttempts)

	activityMonitor := activity.New(activity.Config{
		CheckInterval:    millis(cfg.Activity.CheckIntervalMS),
		HeartbeatTimeout: millis(cfg.Activity.HeartbeatTimeoutMS),
		IdleThreshold:    millis(cfg.Activity.IdleMS),
		StaleThreshold:   millis(cfg.Activity.StaleMS),
	}, reg)

	sessions := sessioncache.New(sessioncache.Config{
		PollInterval:    millis(cfg.Session.PollIntervalMS),
		CleanupInterval: millis(cfg.Session.CleanupIntervalMS),
		Expiry:          millis(cfg.Session.ExpiryMS),
	}, cloud, reg)

	// On reconnect, close every open offline batch (before the sync
	// service's flush looks for closed batches) and resync sessions.
	cloud.OnConnectionChange(func(evt domain.CloudConnEvent) {
		if evt != domain.CloudConnected {
			return
		}
		if _, err := batches.EndAll(); err != nil {
			log.Printf("[daemon] end offline batches: %v", err)
		}
		go sessions.Refresh(context.Background())
	})

	syncService := syncsvc.New(syncsvc.Config{
		BatchSize:        cfg.Sync.BatchSize,
		BacklogSyncDelay: millis(cfg.Sync.BacklogSyncDelayMS),
		RetryInterval:    millis(cfg.Sync.RetryIntervalMS),
	}, eventProcessor, batches, cloud, toEventPayload(reg))

	tcpSrv := tcpserver.New(tcpserver.Config{
		Host:              cfg.TCP.Host,
		Port:              cfg.TCP.Port,
		RegistrationGrace: millis(cfg.TCP.RegistrationGraceMS),
	}, reg, &eventSink{processor: eventProcessor})

	apiSrv := api.NewServer(reg, cloud, eventProcessor, batches)
	if cfg.Telemetry.Prometheus {
		apiSrv.EnableMetrics()
	}

	return &Daemon{
		Config:   cfg,
		DB:       db,
		Registry: reg,
		Activity: activityMonitor,
		Sessions: sessions,
		Batches:  batches,
		Events:   eventProcessor,
		Cloud:    cloud,
		Sync:     syncService,
		TCP:      tcpSrv,
		API:      apiSrv,
	}, nil
}

// eventSink adapts events.Processor's richer (WeighingEvent, error)
// return onto tcpserver.EventSink's error-only contract — the TCP
// connection task only cares whether capture succeeded.
type eventSink struct {
	processor *events.Processor
}

func (s *eventSink) Capture(deviceID, sourceIP string, se tcpserver.ScaleEventFrame) error {
	_, err := s.processor.Capture(deviceID, sourceIP, events.ScaleEvent{
		PLUCode:        se.PLUCode,
		ProductName:    se.ProductName,
		WeightGrams:    se.WeightGrams,
		Barcode:        se.Barcode,
		ScaleTimestamp: se.ScaleTimestamp,
		RawData:        se.RawData,
	})
	return err
}

// toEventPayload builds the syncsvc -> cloudclient wire-payload
// converter, resolving each event's globalDeviceId from the registry
// at send time.
func toEventPayload(reg *registry.Registry) func(domain.WeighingEvent) cloudclient.EventPayload {
	return func(e domain.WeighingEvent) cloudclient.EventPayload {
		globalID := ""
		if d, ok := reg.Get(e.DeviceID); ok {
			globalID = d.GlobalDeviceID
		}
		return cloudclient.EventPayload{
			LocalEventID:   e.ID,
			DeviceID:       e.DeviceID,
			GlobalDeviceID: globalID,
			CloudSessionID: e.CloudSessionID,
			OfflineMode:    e.OfflineMode,
			OfflineBatchID: e.OfflineBatchID,
			PLUCode:        e.PLUCode,
			ProductName:    e.ProductName,
			WeightGrams:    e.WeightGrams,
			Barcode:        e.Barcode,
			ScaleTimestamp: e.ScaleTimestamp,
			ReceivedAt:     e.ReceivedAt,
		}
	}
}

func deviceIDsOf(devices []domain.Device) []string {
	ids := make([]string, len(devices))
	for i, d := range devices {
		ids[i] = d.DeviceID
	}
	return ids
}

// Serve starts every background loop and the local admin HTTP server,
// blocking until shutdown.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	go d.Activity.Run(ctx)
	go d.Sessions.Run(ctx)
	go d.Sync.Run(ctx)
	go func() {
		if err := d.TCP.Serve(ctx); err != nil {
			log.Printf("[daemon] tcp server error: %v", err)
		}
	}()

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.API.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		d.TCP.Close()
		_ = httpServer.Shutdown(shutdownCtx)
		_ = d.DB.Close()
	}()

	log.Printf("[daemon] admin API on http://%s", addr)
	log.Printf("[daemon] scale listener on %s:%s", d.Config.TCP.Host, d.Config.TCP.Port)

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.TCP != nil {
		d.TCP.Close()
	}
	if d.DB != nil {
		_ = d.DB.Close()
	}
}
