// Command mediadriverd runs the media driver process: it loads
// configuration, wires the Conductor to its command/event/response queues
// and counters, starts the optional Prometheus, debug, and event-bus
// surfaces, and drives the duty cycle until told to shut down.
//
// Grounded on the teacher's cmd/main.go (flag-parsed config path, embedded
// default, env overrides) and internal/server/server.go's Start/
// waitForShutdown/Shutdown signal-handling shape, adapted from serving one
// HTTP+WebSocket listener to driving a Conductor duty cycle loop alongside
// the optional debug server and event bus.
package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aeronio/mediadriver/internal/conductor"
	"github.com/aeronio/mediadriver/internal/debugserver"
	"github.com/aeronio/mediadriver/internal/driverlog"
	"github.com/aeronio/mediadriver/internal/eventbus"
	"github.com/aeronio/mediadriver/internal/idlestrategy"
	"github.com/aeronio/mediadriver/internal/metrics"
	"github.com/aeronio/mediadriver/internal/ringbuffer"
	"github.com/aeronio/mediadriver/internal/types"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	logger := log.New(os.Stdout, "mediadriverd ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := types.Load(configPath)
	if err != nil {
		logger.Fatalf("failed to load configuration: %v", err)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatalf("mediadriverd exited with error: %v", err)
	}
}

func run(cfg *types.Config, logger *log.Logger) error {
	mtrx := metrics.NewMetrics()
	collector := metrics.NewCollector(mtrx, time.Duration(cfg.Metrics.UpdateIntervalMs)*time.Millisecond)
	collector.StartCollection()
	defer collector.Stop()

	errorLog := driverlog.New(cfg.Control.ErrorLogBytes/256, mtrx.RecordError)

	commands := ringbuffer.NewCommandRing[any](cfg.Control.ToDriverBufferBytes / 64)
	events := ringbuffer.NewQueue[any](4096)
	responses := ringbuffer.NewBroadcast[any](cfg.Control.ToClientsBufferBytes / 64)

	sessionSeed, initialTermSeed, err := randomSeeds()
	if err != nil {
		return err
	}

	params := conductor.Params{
		TermLength:                    int32(cfg.Driver.TermLengthBytes),
		MTULength:                     int32(cfg.Driver.MTULength),
		ReceiverWindow:                int32(cfg.Driver.TermLengthBytes / 4),
		ConfiguredTermWindowLength:    int64(cfg.Driver.TermLengthBytes),
		MulticastNAKDelayNs:           10_000_000,
		ClientLivenessTimeoutNs:       cfg.Driver.ClientLivenessTimeoutNs,
		ImageLivenessTimeoutNs:        cfg.Driver.ImageLivenessTimeoutNs,
		PublicationUnblockTimeoutNs:   cfg.Driver.PublicationUnblockTimeoutNs,
		PublicationSetupTimeoutNs:     cfg.Driver.PublicationSetupTimeoutNs,
		PublicationHeartbeatTimeoutNs: cfg.Driver.PublicationHeartbeatTimeoutNs,
		StatusMessageTimeoutNs:        cfg.Driver.StatusMessageTimeoutNs,
		RTTMeasurementTimeoutNs:       cfg.Driver.RTTMeasurementTimeoutNs,
		PublicationLingerNs:           cfg.Driver.PublicationLingerNs,
		TimerIntervalNs:               cfg.Driver.TimerIntervalNs,
		CommandDrainLimit:             cfg.Driver.CommandDrainLimit,
		SendToStatusMessagePollRatio:  4,
		SessionIDSeed:                 sessionSeed,
		InitialTermIDSeed:             initialTermSeed,
	}

	idle := &idlestrategy.BackoffSleep{MaxSleep: time.Millisecond}
	cond := conductor.New(logger, errorLog, params, commands, events, responses, idle, mtrx)

	eb, err := eventbus.New(cfg.EventBus, mtrx, logger)
	if err != nil {
		return err
	}
	defer eb.Close()

	var dbg *debugserver.Server
	if cfg.Debug.Enabled {
		dbg = debugserver.New(cfg.Debug.ListenAddr, collector, responses, logger)
		dbg.Start()
	}
	defer dbg.Shutdown()

	var metricsServer *http.Server
	if cfg.Metrics.EnablePrometheus {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
		go func() {
			logger.Printf("prometheus metrics listening on %s%s", cfg.Metrics.ListenAddr, cfg.Metrics.Path)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("metrics server error: %v", err)
			}
		}()
	}

	stop := make(chan struct{})
	go eb.Run(responses, stop)

	dutyCycleDone := make(chan struct{})
	go dutyCycleLoop(cond, idle, mtrx, stop, dutyCycleDone)

	waitForShutdown(logger)

	close(stop)
	<-dutyCycleDone

	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(ctx); err != nil {
			logger.Printf("metrics server shutdown error: %v", err)
		}
	}

	logger.Printf("mediadriverd shut down cleanly")
	return nil
}

// dutyCycleLoop repeatedly ticks the Conductor at the current time until
// stop is closed, idling per the configured strategy on a cycle that did
// no work (spec.md §5).
func dutyCycleLoop(cond *conductor.Conductor, idle idlestrategy.Strategy, mtrx *metrics.Metrics, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}

		start := time.Now()
		work := cond.DutyCycle(start.UnixNano())
		mtrx.RecordDutyCycle(time.Since(start))
		idle.Idle(work)
	}
}

// waitForShutdown blocks until SIGINT or SIGTERM, the same signal set the
// teacher's server shuts down on.
func waitForShutdown(logger *log.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Printf("received signal %v, shutting down", sig)
}

// randomSeeds draws the session-id and initial-term-id counter seeds from
// a cryptographic source (spec.md §6: "session ids... drawn from a monotone
// counter seeded from a randomized value"), keeping the Conductor itself
// free of hidden nondeterminism.
func randomSeeds() (sessionSeed, initialTermSeed int32, err error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, 0, err
	}
	sessionSeed = int32(binary.LittleEndian.Uint32(buf[0:4]))
	initialTermSeed = int32(binary.LittleEndian.Uint32(buf[4:8]))
	return sessionSeed, initialTermSeed, nil
}
