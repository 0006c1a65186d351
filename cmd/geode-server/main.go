package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/bd2019us/geode/coordinator"
	"github.com/bd2019us/geode/faildetector"
	"github.com/bd2019us/geode/internal/telemetry"
	"github.com/bd2019us/geode/membership"
	"github.com/bd2019us/geode/transport"
)

func main() {
	appctx, cancel := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	args := parseCliArgs()

	if !args.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	addr := net.ParseIP(args.publicHost)
	if addr == nil {
		ips, err := net.LookupIP(args.publicHost)
		if err != nil || len(ips) == 0 {
			logger.Log("msg", "failed to resolve public host", "host", args.publicHost, "err", err)
			os.Exit(1)
		}

		addr = ips[0]
	}

	hostname, _ := os.Hostname()

	self, err := membership.NewIdentity(membership.IdentityConfig{
		Addr:                addr,
		Port:                args.port,
		Hostname:            hostname,
		DirectPort:          args.directPort,
		ProcessID:           int32(os.Getpid()),
		Kind:                membership.KindNormal,
		ViewID:              -1,
		Name:                args.nodeName,
		SplitBrainEnabled:   args.partitionDetection,
		CoordinatorEligible: args.coordinatorEligible,
	})

	if err != nil {
		logger.Log("msg", "failed to build local member identity", "err", err)
		os.Exit(1)
	}

	stats := telemetry.NewStats()
	defer stats.Close()

	mux := coordinator.NewMux(self, nil, logger)

	coordConf := coordinator.DefaultConfig()
	coordConf.Self = self
	coordConf.Logger = logger
	coordConf.Stats = stats
	coordConf.Sender = mux
	coordConf.AckWait = time.Duration(args.ackWaitMs) * time.Millisecond
	coordConf.EnablePartitionDetection = args.partitionDetection
	coordConf.OnForcedDisconnect = cancel

	coord := coordinator.New(coordConf)

	tableConf := transport.DefaultConfig()
	tableConf.Self = self
	tableConf.Logger = logger
	tableConf.Stats = stats
	tableConf.Handler = mux.Handle
	tableConf.Members = coord

	table := transport.NewTable(tableConf)
	mux.SetTable(table)

	detector := faildetector.New(
		self, coord, mux, coord, logger,
		faildetector.WithAckWaitThreshold(time.Duration(args.ackWaitMs)*time.Millisecond),
		faildetector.WithAckSevereAlertThreshold(time.Duration(args.ackSevereMs)*time.Millisecond),
		faildetector.WithMemberTimeout(time.Duration(args.memberTimeoutMs)*time.Millisecond),
		faildetector.WithStats(stats),
	)

	coord.BindSuspects(detector)
	mux.Bind(coord, detector)

	wg := sync.WaitGroup{}

	wg.Add(1)

	go func() {
		defer wg.Done()
		detector.RunLoop(appctx)
	}()

	wg.Add(1)

	go func() {
		defer wg.Done()
		detector.ConsumeSuspicions(table.Suspicions())
	}()

	if args.metricsAddr != "" {
		metricsServer := &http.Server{
			Addr:    args.metricsAddr,
			Handler: stats.Handler(),
		}

		wg.Add(1)

		go func() {
			defer wg.Done()

			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Log("msg", "metrics server failed", "err", err)
			}
		}()

		go func() {
			<-appctx.Done()

			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()

			_ = metricsServer.Shutdown(ctx)
		}()
	}

	bindAddr := net.JoinHostPort(args.bindAddr, strconv.Itoa(args.port))

	listener, err := net.Listen("tcp", bindAddr)
	if err != nil {
		logger.Log("msg", "failed to listen tcp address", "addr", bindAddr, "err", err)
		os.Exit(1)
	}

	wg.Add(1)

	go func() {
		defer wg.Done()

		if err := table.Serve(listener); err != nil {
			level.Error(logger).Log("msg", "membership listener failed", "err", err)
			cancel()
		}
	}()

	if args.joinAddr != "" {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for {
				ctx, cancel := context.WithTimeout(appctx, 10*time.Second)

				level.Info(logger).Log("msg", "attempting to join the cluster", "addr", args.joinAddr)

				err := mux.Join(ctx, args.joinAddr)
				cancel()

				if err == nil {
					return
				}

				level.Error(logger).Log("msg", "failed to join cluster", "err", err)

				select {
				case <-appctx.Done():
					return
				case <-time.After(3 * time.Second):
				}
			}
		}()
	} else {
		if err := coord.Bootstrap(); err != nil {
			logger.Log("msg", "failed to bootstrap the cluster", "err", err)
			os.Exit(1)
		}

		level.Info(logger).Log("msg", "bootstrapped a new cluster", "member", self.DisplayName())
	}

	<-appctx.Done()

	level.Info(logger).Log("msg", "shutting down")

	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)

	if err := coord.Leave(leaveCtx); err != nil {
		level.Warn(logger).Log("msg", "failed to leave the cluster cleanly", "err", err)
	}

	leaveCancel()

	detector.Stop()
	coord.Stop()
	table.Shutdown()

	wg.Wait()
}
