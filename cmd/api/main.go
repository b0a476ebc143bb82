package main

import (
    "context"
    "errors"
    "net/http"
    "os"
    "os/signal"
    "syscall"

    "github.com/rs/zerolog"

    "routedispatch/internal/analytics"
    "routedispatch/internal/api"
    "routedispatch/internal/auth"
    "routedispatch/internal/config"
    "routedispatch/internal/dispatch"
    "routedispatch/internal/hub"
    "routedispatch/internal/integrations"
    "routedispatch/internal/integrations/csvfeed"
    "routedispatch/internal/logging"
    "routedispatch/internal/metrics"
    "routedispatch/internal/notify"
    "routedispatch/internal/opt"
    "routedispatch/internal/store"
)

func main() {
    cfg, err := config.Load()
    if err != nil {
        l := logging.New("error", "dispatch")
        l.Fatal().Err(err).Msg("invalid configuration")
    }
    log := logging.New(cfg.Server.LogLevel, "dispatch")
    if err := run(cfg, log); err != nil {
        log.Fatal().Err(err).Msg("dispatch stopped")
    }
}

func run(cfg config.Config, log zerolog.Logger) error {
    ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
    defer stop()
    metrics.RegisterDefault()

    var probes []func(context.Context) error

    storeOpts := cfg.Store
    storeOpts.Log = log.With().Str("component", "store").Logger()
    routes := store.NewMemory(storeOpts)

    // Relay: Redis when configured so several instances share SSE streams.
    var relay hub.Relay = hub.NewMemoryRelay()
    if cfg.Redis.URL != "" {
        rr, err := hub.NewRedisRelayURL(cfg.Redis.URL, log.With().Str("component", "relay").Logger())
        if err != nil { return err }
        defer rr.Close()
        relay = rr
        probes = append(probes, rr.Ping)
    }

    sink, closeSinks, err := buildSinks(ctx, cfg, log, &probes)
    if err != nil { return err }
    defer closeSinks()
    queue := notify.NewQueue(sink, cfg.Notify.QueueSize, cfg.Notify.Timeout, log.With().Str("component", "notify").Logger())
    defer queue.Close()

    aggOpts := cfg.Analytics
    aggOpts.Log = log.With().Str("component", "analytics").Logger()
    agg := analytics.New(aggOpts)

    // The hub is built before the service; alerts only flow once hub.Run starts.
    var svc *dispatch.Service
    hubOpts := cfg.Hub
    hubOpts.Log = log.With().Str("component", "hub").Logger()
    hubOpts.Relay = relay
    hubOpts.AlertSink = func(a hub.Alert) { svc.HandleAlert(a) }
    h := hub.New(routes, hubOpts)

    optimizer := opt.New(cfg.Optimizer)
    svc = dispatch.New(optimizer, routes, readModel(cfg), agg, queue, dispatch.Options{
        PollInterval: cfg.Poll.Interval,
        Log:          log.With().Str("component", "dispatch").Logger(),
    })

    server := &api.Server{
        Log:       log.With().Str("component", "http").Logger(),
        Routes:    routes,
        Dispatch:  svc,
        Optimizer: optimizer,
        Hub:       h,
        Relay:     relay,
        Analytics: agg,
        Auth:      auth.NewVerifier(cfg.Auth.Mode, cfg.Auth.Secret, cfg.Auth.Issuer),
        Ready: func(ctx context.Context) error {
            var errs []error
            for _, p := range probes { errs = append(errs, p(ctx)) }
            return errors.Join(errs...)
        },
        Flags: map[string]any{
            "auth_mode":        cfg.Auth.Mode,
            "optimizer_budget": cfg.Optimizer.Budget.String(),
            "rate_limit":       cfg.Server.RequestsPerMinute,
            "has_redis":        cfg.Redis.URL != "",
            "has_kafka":        cfg.Notify.KafkaBroker != "",
            "has_database":     cfg.Notify.PostgresDSN != "",
            "has_webhook":      cfg.Notify.Webhook.URL != "",
            "csv_feed":         cfg.Poll.OrdersCSV != "",
        },
        RequestsPerMinute: cfg.Server.RequestsPerMinute,
    }

    go h.Run(ctx)
    go agg.Run(ctx)
    go func() {
        if err := svc.Run(ctx); err != nil { log.Error().Err(err).Msg("dispatch loop stopped") }
    }()

    srv := &http.Server{
        Addr:              cfg.Server.Addr,
        Handler:           server.Handler(),
        ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
    }
    errc := make(chan error, 1)
    go func() {
        log.Info().Str("addr", srv.Addr).Msg("dispatch API listening")
        if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) { errc <- err }
        close(errc)
    }()

    select {
    case err := <-errc:
        return err
    case <-ctx.Done():
    }
    log.Info().Msg("shutting down")
    shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
    defer cancel()
    return srv.Shutdown(shutdownCtx)
}

// buildSinks assembles the configured notification sinks. With none
// configured notifications go to the log.
func buildSinks(ctx context.Context, cfg config.Config, log zerolog.Logger, probes *[]func(context.Context) error) (notify.Sink, func(), error) {
    var (
        sinks   notify.Fanout
        closers []func()
    )
    closeAll := func() {
        for i := len(closers) - 1; i >= 0; i-- { closers[i]() }
    }
    if cfg.Notify.KafkaBroker != "" {
        k := notify.NewKafka(cfg.Notify.KafkaBroker, cfg.Notify.KafkaTopic)
        sinks = append(sinks, k)
        closers = append(closers, func() { _ = k.Close() })
    }
    if cfg.Notify.Webhook.URL != "" {
        sinks = append(sinks, notify.NewWebhook(cfg.Notify.Webhook))
    }
    if cfg.Notify.PostgresDSN != "" {
        pg, pool, err := notify.OpenPostgres(ctx, cfg.Notify.PostgresDSN)
        if err != nil {
            closeAll()
            return nil, nil, err
        }
        sinks = append(sinks, pg)
        closers = append(closers, pool.Close)
        *probes = append(*probes, pool.Ping)
    }
    if len(sinks) == 0 {
        return notify.LogSink{Log: log.With().Str("component", "notify").Logger()}, closeAll, nil
    }
    return sinks, closeAll, nil
}

func readModel(cfg config.Config) dispatch.ReadModel {
    if cfg.Poll.OrdersCSV != "" {
        return csvfeed.Feed{OrdersPath: cfg.Poll.OrdersCSV, VehiclesPath: cfg.Poll.VehiclesCSV}.ReadModel()
    }
    // Without a feed, stops arrive only through POST /v1/optimize.
    return integrations.NewStatic().ReadModel()
}
