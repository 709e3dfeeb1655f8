// Command dispatcherd runs a standalone worker-pool Dispatcher behind the
// admin HTTP API, wired to one of the three worker transports selected by
// config: load config, assemble dependencies, start the server in a
// goroutine, block on SIGINT/SIGTERM, shut down in reverse order.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Gearlay/workerpool/pkg/admin"
	"github.com/Gearlay/workerpool/pkg/config"
	"github.com/Gearlay/workerpool/pkg/db"
	"github.com/Gearlay/workerpool/pkg/dispatch"
	"github.com/Gearlay/workerpool/pkg/history"
	"github.com/Gearlay/workerpool/pkg/metrics"
	"github.com/Gearlay/workerpool/pkg/tracing"
	"github.com/Gearlay/workerpool/pkg/transport/goroutine"
	"github.com/Gearlay/workerpool/pkg/transport/natsworker"
	"github.com/Gearlay/workerpool/pkg/transport/wsworker"
)

type appConfig struct {
	Transport  string `yaml:"transport"`
	Dispatcher struct {
		MaxWorkers       int           `yaml:"max_workers"`
		MinWorkers       int           `yaml:"min_workers"`
		MaxQueueSize     int           `yaml:"max_queue_size"`
		GradualScalingMs time.Duration `yaml:"gradual_scaling_ms"`
		RoundRobin       bool          `yaml:"round_robin"`
		Concurrency      int           `yaml:"concurrency"`
		MaxExec          int           `yaml:"max_exec"`
	} `yaml:"dispatcher"`
	NATS struct {
		URL            string        `yaml:"url"`
		Prefix         string        `yaml:"prefix"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
	} `yaml:"nats"`
	WS struct {
		ListenAddr string `yaml:"listen_addr"`
		Token      string `yaml:"token"`
	} `yaml:"ws"`
	Admin struct {
		Addr      string `yaml:"addr"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"admin"`
	Tracing tracing.Config `yaml:"tracing"`
	History struct {
		Enabled bool   `yaml:"enabled"`
		Driver  string `yaml:"driver"`
		DSN     string `yaml:"dsn"`
	} `yaml:"history"`
}

func defaultConfig() appConfig {
	var c appConfig
	c.Transport = "goroutine"
	c.Dispatcher.MaxWorkers = 0 // let dispatch.Config default to NumCPU-1
	c.Dispatcher.MinWorkers = 1
	c.Dispatcher.Concurrency = 1
	c.Admin.Addr = "127.0.0.1:9090"
	c.WS.ListenAddr = "127.0.0.1:0"
	c.NATS.URL = "nats://127.0.0.1:4222"
	c.NATS.Prefix = "dispatch"
	return c
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file; defaults are used when empty")
	flag.Parse()

	cfg := defaultConfig()
	if *configPath != "" {
		if err := config.LoadWithEnv(*configPath, "DISPATCHER", &cfg); err != nil {
			log.Fatalf("load config: %v", err)
		}
		if err := config.Validate(&cfg,
			config.OneOfValidator("Transport", "goroutine", "nats", "ws"),
			config.RangeValidator("Dispatcher.MaxWorkers", 0, 4096),
			config.RangeValidator("Dispatcher.MinWorkers", 0, 4096),
		); err != nil {
			log.Fatalf("invalid config: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := dispatch.NewDefaultLogger()

	tp, err := tracing.New(cfg.Tracing)
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	m := metrics.New(metrics.DefaultRegistry)
	observers := []dispatch.Observer{metrics.NewObserver(m)}

	var recorder history.Recorder = history.NullRecorder{}
	if cfg.History.Enabled {
		rec, err := history.NewSQLRecorder(db.DefaultPoolConfig(cfg.History.DSN, cfg.History.Driver), logger)
		if err != nil {
			log.Fatalf("init history recorder: %v", err)
		}
		defer rec.Close()
		recorder = rec
	}
	observers = append(observers, history.NewObserverRecorder(recorder))

	factory, closeTransport, err := buildFactory(cfg)
	if err != nil {
		log.Fatalf("init transport: %v", err)
	}
	defer closeTransport()

	pool, err := dispatch.New(ctx, dispatch.Config{
		MaxWorkers:       cfg.Dispatcher.MaxWorkers,
		MinWorkers:       cfg.Dispatcher.MinWorkers,
		MaxQueueSize:     cfg.Dispatcher.MaxQueueSize,
		GradualScalingMs: cfg.Dispatcher.GradualScalingMs,
		RoundRobin:       cfg.Dispatcher.RoundRobin,
		Concurrency:      cfg.Dispatcher.Concurrency,
		MaxExec:          cfg.Dispatcher.MaxExec,
		Factory:          factory,
		Logger:           logger,
		Observer:         fanoutObserver{observers},
		Tracer:           tp,
	})
	if err != nil {
		log.Fatalf("start dispatcher: %v", err)
	}

	collector := metrics.NewCollector(m, 5*time.Second, pool.Stats)
	defer collector.Stop()

	adminSrv := admin.New(pool, admin.Config{
		Addr:            cfg.Admin.Addr,
		JWTSecret:       cfg.Admin.JWTSecret,
		MetricsGatherer: metrics.DefaultRegistry,
	})

	go func() {
		log.Printf("dispatcherd: admin API listening on %s", cfg.Admin.Addr)
		if err := adminSrv.ListenAndServe(); err != nil {
			log.Fatalf("admin API error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("dispatcherd: shutting down...")

	if err := adminSrv.Shutdown(); err != nil {
		log.Printf("admin API shutdown error: %v", err)
	}
	if _, err := pool.Terminate(false, 5*time.Second).Wait(); err != nil {
		log.Printf("dispatcher terminate error: %v", err)
	}
}

// buildFactory selects the worker transport named by cfg.Transport. The
// returned closer releases any shared resource the transport opened
// (a NATS connection, a WebSocket listener); it is a no-op for the
// in-process goroutine transport.
func buildFactory(cfg appConfig) (dispatch.WorkerFactory, func() error, error) {
	switch cfg.Transport {
	case "", "goroutine":
		factory := goroutine.NewFactory(goroutine.Config{Handlers: map[string]goroutine.Handler{}})
		return factory, func() error { return nil }, nil
	case "nats":
		factory, closeFn, err := natsworker.NewFactory(natsworker.Config{
			URL:            cfg.NATS.URL,
			Prefix:         cfg.NATS.Prefix,
			RequestTimeout: cfg.NATS.RequestTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return factory, closeFn, nil
	case "ws":
		factory, server, err := wsworker.NewFactory(wsworker.Config{
			ListenAddr: cfg.WS.ListenAddr,
			Token:      cfg.WS.Token,
		})
		if err != nil {
			return nil, nil, err
		}
		log.Printf("dispatcherd: worker websocket endpoint on %s", server.Addr())
		return factory, func() error { return server.Close(context.Background()) }, nil
	default:
		log.Fatalf("unknown transport %q", cfg.Transport)
		return nil, nil, nil
	}
}

// fanoutObserver dispatches every dispatch.Observer callback to each
// underlying observer in order. The Dispatcher only ever configures one
// Observer; this composes the metrics and history adapters behind that
// single slot.
type fanoutObserver struct {
	observers []dispatch.Observer
}

func (f fanoutObserver) TaskDispatched(method, workerID string) {
	for _, o := range f.observers {
		o.TaskDispatched(method, workerID)
	}
}

func (f fanoutObserver) TaskRejected(method, reason string) {
	for _, o := range f.observers {
		o.TaskRejected(method, reason)
	}
}

func (f fanoutObserver) TaskSettled(method string, d time.Duration, err error) {
	for _, o := range f.observers {
		o.TaskSettled(method, d, err)
	}
}

func (f fanoutObserver) WorkerCreated(id string) {
	for _, o := range f.observers {
		o.WorkerCreated(id)
	}
}

func (f fanoutObserver) WorkerRemoved(id string, crashed bool) {
	for _, o := range f.observers {
		o.WorkerRemoved(id, crashed)
	}
}

var _ dispatch.Observer = fanoutObserver{}
