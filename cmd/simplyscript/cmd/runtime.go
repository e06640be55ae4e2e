package cmd

import (
	"context"
	"slices"
	"sync"
	"time"

	"simplyscript/cmd/simplyscript/internal/pluginloader"
	"simplyscript/core/config"
	"simplyscript/core/events"
	"simplyscript/core/kernel"
	"simplyscript/core/loader"
	"simplyscript/core/logger"
	"simplyscript/modules/alert"
	"simplyscript/modules/calc"
	"simplyscript/services/metrics"

	"go.uber.org/zap"
)

const (
	metricsService  = "metrics"
	shutdownTimeout = 10 * time.Second
)

// builtins serves the modules and services compiled into the binary.
func builtins() *loader.StaticLoader {
	return loader.NewStaticLoader().
		MustRegister(config.NamespaceModule, "Calc", calc.Factory).
		MustRegister(config.NamespaceModule, "Alert", alert.Factory).
		MustRegister(config.NamespaceService, metricsService, metrics.Factory)
}

func loadConfig() (*config.Config, error) {
	return config.LoadConfig(opts.ConfigFile)
}

// newKernel wires built-in objects first, then Lua scripts, then Go plugins.
func newKernel(cfg *config.Config) (kernel.Kernel, error) {
	if cfg.Metrics.Enabled {
		enableMetrics(cfg)
	}
	chain := loader.Chain{
		builtins(),
		loader.NewLuaLoader(cfg.PoolSize),
		pluginloader.New(logger.Named("pluginloader")),
	}
	return kernel.New(cfg, kernel.WithLoader(chain))
}

// enableMetrics preloads the metrics service, storing into cfg.Metrics.Path
// unless init arguments name another database.
func enableMetrics(cfg *config.Config) {
	if !slices.Contains(cfg.Service.Preload, metricsService) {
		cfg.Service.Preload = append(cfg.Service.Preload, metricsService)
	}
	args := cfg.Service.InitArguments[metricsService]
	if args == nil {
		args = make(map[string]any)
		cfg.Service.InitArguments[metricsService] = args
	}
	if _, ok := args["db_path"]; !ok {
		args["db_path"] = cfg.Metrics.Path
	}
}

func stopKernel(ctx context.Context, k kernel.Kernel) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := k.Stop(shutdownCtx); err != nil {
		logger.Warn(ctx, "Error during shutdown", zap.Error(err))
	}
}

// traceEvents logs kernel events at debug level until the returned function
// is called.
func traceEvents(ctx context.Context, bus events.Bus) func() {
	topics := []string{
		events.TopicKernelStarted,
		events.TopicModuleResolved,
		events.TopicServiceResolved,
		events.TopicResolutionRejected,
	}
	var (
		wg      sync.WaitGroup
		cancels []func()
	)
	for _, topic := range topics {
		ch, cancel, err := bus.Subscribe(topic)
		if err != nil {
			logger.Warn(ctx, "Failed to subscribe to kernel events", zap.String("topic", topic), zap.Error(err))
			continue
		}
		cancels = append(cancels, cancel)
		wg.Add(1)
		go func(topic string) {
			defer wg.Done()
			for ev := range ch {
				logger.Debug(ctx, "Kernel event", zap.String("topic", topic), zap.Any("event", ev))
			}
		}(topic)
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
		wg.Wait()
		if dropped := bus.Dropped(); dropped > 0 {
			logger.Debug(ctx, "Kernel events dropped", zap.Uint64("count", dropped))
		}
	}
}
