// Package agent owns the Sync Agent's startup order, scheduled tasks, and
// graceful shutdown: the explicit Agent value DESIGN NOTES calls for, in
// place of the source's module-scope singletons. Every component holds a
// reference to the same Store, Remote Gateway, BACnet Gateway, and Cache.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Resinat/syncagent/internal/bacnet"
	"github.com/Resinat/syncagent/internal/cache"
	"github.com/Resinat/syncagent/internal/collect"
	"github.com/Resinat/syncagent/internal/config"
	"github.com/Resinat/syncagent/internal/connectivity"
	"github.com/Resinat/syncagent/internal/downstream"
	"github.com/Resinat/syncagent/internal/model"
	"github.com/Resinat/syncagent/internal/remote"
	"github.com/Resinat/syncagent/internal/scanloop"
	"github.com/Resinat/syncagent/internal/storage"
	"github.com/Resinat/syncagent/internal/upload"

	apiserver "github.com/Resinat/syncagent/internal/api"
)

// Agent holds every long-lived component and coordinates the startup and
// shutdown sequences.
type Agent struct {
	cfg *config.EnvConfig

	store    *storage.Store
	remote   *remote.Gateway
	bacnet   *bacnet.Gateway
	cache    *cache.Cache
	engine   *collect.Engine
	down     *downstream.Agent
	conn     *connectivity.Monitor
	upload   *upload.Manager
	apiSrv   *apiserver.Server
	pruner   *cron.Cron

	collectStop chan struct{}
	collectDone chan struct{}
	downStop    chan struct{}
	downDone    chan struct{}
	uploadStop  chan struct{}
	uploadDone  chan struct{}
	connConsume chan struct{}

	apiErrCh chan error

	wg sync.WaitGroup
}

// BACnetTransport lets callers inject a real BACnet/IP client library; it
// defaults to bacnet.UnconfiguredTransport when nil.
type BACnetTransport = bacnet.Transport

// New constructs every component and wires their dependencies, but does not
// start any scheduler or network listener; call Start for that.
func New(cfg *config.EnvConfig, transport BACnetTransport) (*Agent, error) {
	store, err := storage.Open(cfg.LocalDBPath)
	if err != nil {
		return nil, fmt.Errorf("agent: open local store: %w", err)
	}

	if transport == nil {
		transport = bacnet.UnconfiguredTransport{}
	}

	remoteGW := remote.NewGateway(cfg.ClientAPIURL, cfg.ClientAPIKey, cfg.TenantID, cfg.ClientAPITimeout)
	bacnetGW := bacnet.NewGateway(transport, cfg.BACnetReadTimeout)
	memCache := cache.New(store)

	a := &Agent{
		cfg:    cfg,
		store:  store,
		remote: remoteGW,
		bacnet: bacnetGW,
		cache:  memCache,
	}

	a.engine = collect.NewEngine(bacnetGW, memCache, store)
	a.down = downstream.NewAgent(remoteGW, store, memCache, a.onTenantSynced)
	a.conn = connectivity.NewMonitor(remoteGW, cfg.ClientAPITimeout)
	a.conn.SetLabel(remoteGW.Domain())
	a.upload = upload.NewManager(a.conn, store, remoteGW, cfg.UploadBatchSize, cfg.UploadMaxRetries)

	a.apiSrv = apiserver.NewServer(cfg.LocalAPIPort, memCache, store, a.engine, a.down, a.upload, a.conn)

	return a, nil
}

func (a *Agent) onTenantSynced(apiKey string) {
	a.remote.SetAPIKey(apiKey)
}

// Start runs the lifecycle's startup sequence:
// verify the store, run one synchronous downstream sync, populate the
// cache, then launch the Connectivity Monitor, the Collection Engine
// scheduler, the Upload Manager scheduler (subscribed to Connected
// events), the Downstream Sync Agent scheduler, and finally the local API.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.store.Ping(ctx); err != nil {
		return fmt.Errorf("agent: local store unreachable: %w", err)
	}

	if _, err := a.down.RunSync(ctx); err != nil {
		log.Printf("[agent] initial downstream sync failed: %v", err)
	}
	if _, err := a.store.GetTenant(ctx); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("agent: no tenant configured locally or remotely")
		}
		return fmt.Errorf("agent: get local tenant: %w", err)
	}

	if err := a.cache.Reload(ctx); err != nil {
		return fmt.Errorf("agent: populate cache: %w", err)
	}

	a.conn.Start(a.cfg.ConnectivityCheckInterval)

	if a.cfg.CollectionAutoStart {
		a.startCollectionScheduler()
	}

	if a.cfg.UploadIntervalMinutes > 0 {
		a.startUploadScheduler()
		a.subscribeUploadToConnectivity()
	}

	if a.cfg.DownstreamSyncAutoStart {
		a.startDownstreamScheduler()
	}

	a.startLogPruner()

	a.apiErrCh = make(chan error, 1)
	go func() {
		log.Printf("[agent] local API listening on :%d", a.cfg.LocalAPIPort)
		if err := a.apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.apiErrCh <- err
			return
		}
		a.apiErrCh <- nil
	}()

	return nil
}

// RuntimeErrors returns a channel that receives a non-nil error if the
// local API server exits unexpectedly, so main can trigger shutdown.
func (a *Agent) RuntimeErrors() <-chan error {
	return a.apiErrCh
}

func (a *Agent) startCollectionScheduler() {
	a.collectStop = make(chan struct{})
	a.collectDone = make(chan struct{})
	interval := time.Duration(a.cfg.CollectionIntervalSeconds) * time.Second
	go func() {
		defer close(a.collectDone)
		scanloop.Run(a.collectStop, interval, 0, func() {
			a.runAndLog("collection", func(ctx context.Context) error {
				_, err := a.engine.RunCycle(ctx)
				return err
			})
		})
	}()
}

func (a *Agent) startDownstreamScheduler() {
	a.downStop = make(chan struct{})
	a.downDone = make(chan struct{})
	interval := time.Duration(a.cfg.DownstreamSyncIntervalMinutes) * time.Minute
	go func() {
		defer close(a.downDone)
		scanloop.Run(a.downStop, interval, 0, func() {
			a.runAndLog("downstream_sync", func(ctx context.Context) error {
				_, err := a.down.RunSync(ctx)
				return err
			})
		})
	}()
}

func (a *Agent) startUploadScheduler() {
	a.uploadStop = make(chan struct{})
	a.uploadDone = make(chan struct{})
	interval := time.Duration(a.cfg.UploadIntervalMinutes) * time.Minute
	go func() {
		defer close(a.uploadDone)
		scanloop.Run(a.uploadStop, interval, 0, a.runUploadCycle)
	}()
}

// startLogPruner schedules the sync_log / sync_operation_log retention
// sweep on the configured cron expression. The expression was validated at
// config load, so a parse failure here is a bug worth surfacing loudly.
func (a *Agent) startLogPruner() {
	if a.cfg.SyncLogRetentionSchedule == "" {
		return
	}
	a.pruner = cron.New()
	_, err := a.pruner.AddFunc(a.cfg.SyncLogRetentionSchedule, func() {
		horizon := time.Now().AddDate(0, 0, -a.cfg.SyncLogRetentionDays)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := a.store.PruneLogs(ctx, horizon)
		if err != nil {
			log.Printf("[agent] log retention sweep failed: %v", err)
			return
		}
		if n > 0 {
			log.Printf("[agent] log retention sweep pruned %d rows older than %d days", n, a.cfg.SyncLogRetentionDays)
		}
	})
	if err != nil {
		log.Printf("[agent] log pruner not scheduled: %v", err)
		a.pruner = nil
		return
	}
	a.pruner.Start()
}

// subscribeUploadToConnectivity drives an extra upload cycle whenever the
// Connectivity Monitor reports a Connected transition, so queued readings
// drain as soon as the Client System comes back rather than waiting for
// the next scheduled tick.
func (a *Agent) subscribeUploadToConnectivity() {
	events := a.conn.Subscribe()
	a.connConsume = make(chan struct{})
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-a.connConsume:
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				if evt.State == connectivity.Online {
					a.runUploadCycle()
				}
			}
		}
	}()
}

func (a *Agent) runUploadCycle() {
	a.runAndLog("upload", func(ctx context.Context) error {
		result, err := a.upload.RunCycle(ctx)
		if err != nil {
			return err
		}
		if a.cfg.ClientAPIHeartbeat && result != nil && result.IsClientConnected {
			uploaded, failed := a.upload.Counters()
			hbCtx, cancel := context.WithTimeout(ctx, a.cfg.ClientAPITimeout)
			defer cancel()
			if hbErr := a.remote.Heartbeat(hbCtx, remote.HeartbeatPayload{
				TenantID:      a.cfg.TenantID,
				Timestamp:     time.Now(),
				QueueSize:     result.QueueSize,
				TotalUploaded: uploaded,
				TotalFailed:   failed,
			}); hbErr != nil {
				log.Printf("[agent] heartbeat failed: %v", hbErr)
			}
		}
		return nil
	})
}

// runAndLog runs one scheduled cycle under a background context with no
// cycle-level deadline (each component applies its own per-call timeouts),
// records its outcome to sync_operation_log, and logs failures without propagating
// them (scheduled cycles never abort the agent).
func (a *Agent) runAndLog(component string, fn func(ctx context.Context) error) {
	start := time.Now()
	err := fn(context.Background())
	outcome := "success"
	detail := ""
	if err != nil {
		outcome = "failure"
		detail = err.Error()
		log.Printf("[agent] %s cycle failed: %v", component, err)
	}
	logCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if logErr := a.store.AppendSyncOperationLog(logCtx, model.SyncOperationLog{
		Component: component,
		StartedAt: start,
		EndedAt:   time.Now(),
		Outcome:   outcome,
		Detail:    detail,
	}); logErr != nil {
		log.Printf("[agent] append sync_operation_log failed: %v", logErr)
	}
}

// Shutdown stops every component in reverse dependency order:
// local API, downstream scheduler, upload manager (draining any in-flight
// batch), collection engine (draining any in-flight cycle), connectivity
// monitor, then closes the Local Store. The Remote Gateway's HTTP client
// is not closed. ctx bounds the local API's graceful drain only; component
// schedulers are stopped unconditionally since their cycles are already
// gated to finish promptly.
func (a *Agent) Shutdown(ctx context.Context) {
	log.Println("[agent] shutdown: stopping local API")
	if err := a.apiSrv.Shutdown(ctx); err != nil {
		log.Printf("[agent] local API shutdown error: %v", err)
	}

	if a.pruner != nil {
		<-a.pruner.Stop().Done()
	}

	if a.downStop != nil {
		log.Println("[agent] shutdown: stopping downstream scheduler")
		close(a.downStop)
		<-a.downDone
	}

	if a.connConsume != nil {
		close(a.connConsume)
	}
	if a.uploadStop != nil {
		log.Println("[agent] shutdown: stopping upload scheduler")
		close(a.uploadStop)
		<-a.uploadDone
	}
	a.wg.Wait()

	if a.collectStop != nil {
		log.Println("[agent] shutdown: stopping collection scheduler")
		close(a.collectStop)
		<-a.collectDone
	}

	log.Println("[agent] shutdown: stopping connectivity monitor")
	a.conn.Stop()

	log.Println("[agent] shutdown: closing local store")
	if err := a.store.Close(); err != nil {
		log.Printf("[agent] local store close error: %v", err)
	}
}
