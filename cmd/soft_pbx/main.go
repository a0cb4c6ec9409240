package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/soft_pbx/pkg/call"
	"github.com/arzzra/soft_pbx/pkg/codec_policy"
	"github.com/arzzra/soft_pbx/pkg/config"
	"github.com/arzzra/soft_pbx/pkg/logging"
	"github.com/arzzra/soft_pbx/pkg/metrics"
	"github.com/arzzra/soft_pbx/pkg/rtp_relay"
	"github.com/arzzra/soft_pbx/pkg/signaling"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var (
		configPath = flag.String("config", "", "Путь к ini файлу конфигурации")
		checkOnly  = flag.Bool("check", false, "Проверить конфигурацию и выйти")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
			os.Exit(1)
		}
	}
	if *checkOnly {
		fmt.Println("Конфигурация корректна")
		return
	}

	logs, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка инициализации логирования: %v\n", err)
		os.Exit(1)
	}
	defer logs.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logs); err != nil {
		logs.Component("main").WithError(err).Error("процесс завершен с ошибкой")
		logs.Close()
		os.Exit(1)
	}
}

// run собирает компоненты и работает до отмены ctx
func run(ctx context.Context, cfg *config.Config, logs *logging.Factory) error {
	logger := logs.Component("main")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.New(registry, cfg.Metrics.Namespace)

	relays := rtp_relay.NewManager(managerConfig(cfg), logs.Component("relay"), collector)
	policy := newPolicy(cfg, logs.Component("policy"))

	sipServer, err := signaling.New(signalingConfig(cfg), logs.Component("sip"))
	if err != nil {
		relays.Close()
		return err
	}

	core, err := call.NewCore(callConfig(cfg), call.Deps{
		Relays:   relays,
		Policy:   policy,
		Recorder: call.LogRecorder{Logger: logs.Component("cdr")},
		Signaler: sipServer,
		Devices:  pagingDirectory(cfg),
		Prompts:  call.SilencePrompts{},
		Observer: collector,
		Logger:   logs.Component("call"),
	})
	if err != nil {
		sipServer.Close()
		relays.Close()
		return err
	}
	sipServer.Attach(core)
	if usesFlow(cfg, call.FlowMenu) {
		logger.Warn("маршруты menu настроены без обработчика меню, такие звонки будут отклонены")
	}
	if len(cfg.Extensions) == 0 && (usesFlow(cfg, call.FlowBridge) || usesFlow(cfg, call.FlowEmergency)) {
		logger.Warn("секция [extensions] пуста, звонки bridge и emergency получат 404")
	}

	logger.WithFields(logrus.Fields{
		"sip":        cfg.SIP.ListenAddr,
		"rtp":        fmt.Sprintf("%d-%d", cfg.Media.PortMin, cfg.Media.PortMax),
		"public":     cfg.Media.PublicIP,
		"routes":     len(cfg.Routes),
		"profiles":   len(cfg.Phones),
		"extensions": len(cfg.Extensions),
	}).Info("soft_pbx запущен")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sipServer.Serve(gctx)
	})

	if cfg.Metrics.Enabled {
		httpServer := &http.Server{
			Addr:              cfg.Metrics.ListenAddr,
			Handler:           metricsMux(registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.WithField("address", cfg.Metrics.ListenAddr).Info("HTTP сервер метрик запущен")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("сервер метрик: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("остановка: завершение активных звонков")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := core.Close(shutdownCtx)
		sipServer.Close()
		return err
	})

	return g.Wait()
}

func metricsMux(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(registry))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func managerConfig(cfg *config.Config) rtp_relay.ManagerConfig {
	strategy := rtp_relay.PortAllocationSequential
	if cfg.Media.RandomPorts {
		strategy = rtp_relay.PortAllocationRandom
	}
	return rtp_relay.ManagerConfig{
		BindIP:         cfg.Media.BindIP,
		PortMin:        uint16(cfg.Media.PortMin),
		PortMax:        uint16(cfg.Media.PortMax),
		Strategy:       strategy,
		ReceiveTimeout: cfg.Media.ReceiveTimeout,
		MaxWriteErrors: cfg.Media.MaxWriteErrors,
		DSCP:           cfg.Media.DSCP,
	}
}

func callConfig(cfg *config.Config) call.Config {
	out := call.DefaultConfig()
	out.PublicIP = cfg.Media.PublicIP
	out.MenuIdleTimeout = cfg.Call.MenuIdleTimeout
	out.SessionTimeout = cfg.Call.SessionTimeout
	out.DTMFGraceWindow = cfg.DTMF.GraceWindow
	out.DTMFPollSlice = cfg.DTMF.PollSlice
	out.InfoQueueSize = cfg.DTMF.InfoQueueSize
	out.DTMFVolume = cfg.DTMF.Volume
	return out
}

func signalingConfig(cfg *config.Config) signaling.Config {
	routes := make(map[string]call.Flow, len(cfg.Routes))
	for number, flow := range cfg.Routes {
		routes[number] = call.Flow(flow)
	}
	return signaling.Config{
		ListenAddr:       cfg.SIP.ListenAddr,
		Transport:        cfg.SIP.Transport,
		Hostname:         cfg.SIP.Hostname,
		UserAgent:        cfg.SIP.UserAgent,
		RingbackDuration: cfg.Call.RingbackDuration,
		DefaultFlow:      call.Flow(cfg.SIP.DefaultFlow),
		Routes:           routes,
		Extensions:       cfg.Extensions,
	}
}

// newPolicy политика кодеков. [media] codecs попадает сюда только через
// профили [phone.*], звонок без offer получает 0 8 и DTMF.
func newPolicy(cfg *config.Config, logger *logrus.Entry) *codec_policy.Policy {
	return codec_policy.New(
		codec_policy.NewStaticCatalog(phoneModels(cfg)...),
		codec_policy.Config{DTMFPayloadType: cfg.Media.DTMFPayloadType, ILBCMode: cfg.Media.ILBCMode},
		logger,
	)
}

func phoneModels(cfg *config.Config) []codec_policy.PhoneModel {
	models := make([]codec_policy.PhoneModel, 0, len(cfg.Phones))
	for _, p := range cfg.Phones {
		models = append(models, codec_policy.PhoneModel{Name: p.Model, Match: p.Match, Codecs: p.Codecs})
	}
	return models
}

func pagingDirectory(cfg *config.Config) call.StaticDirectory {
	devices := make(call.StaticDirectory, 0, len(cfg.Paging))
	for _, d := range cfg.Paging {
		devices = append(devices, call.Device{
			ID:     d.ID,
			SIPURI: fmt.Sprintf("sip:%s@%s", d.ID, d.Host),
			IP:     d.Host,
			Port:   d.Port,
		})
	}
	return devices
}

func usesFlow(cfg *config.Config, flow call.Flow) bool {
	if call.Flow(cfg.SIP.DefaultFlow) == flow {
		return true
	}
	for _, f := range cfg.Routes {
		if call.Flow(f) == flow {
			return true
		}
	}
	return false
}
