package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	config "github.com/tupyy/device-policy-ng/configuration"
	"github.com/tupyy/device-policy-ng/internal/certificate"
	httpClient "github.com/tupyy/device-policy-ng/internal/client/http"
	"github.com/tupyy/device-policy-ng/internal/device"
	"github.com/tupyy/device-policy-ng/internal/formula"
	"github.com/tupyy/device-policy-ng/internal/function"
	"github.com/tupyy/device-policy-ng/internal/messaging"
	"github.com/tupyy/device-policy-ng/internal/metrics"
	"github.com/tupyy/device-policy-ng/internal/pipeline"
	"github.com/tupyy/device-policy-ng/internal/policy"
	"github.com/tupyy/device-policy-ng/internal/scheduler"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configFile       string
	caRoot           string
	certFile         string
	privateKey       string
	server           string
	endpointID       string
	gateway          bool
	deviceModels     string
	policies         string
	input            string
	logLevel         string
	networkCost      string
	formulaCacheSize int
	metricsAddress   string
	inlineWindows    bool
)

var rootCmd = &cobra.Command{
	Use:   "device-policy-ng",
	Short: "Device policy pipeline engine",
	Long: `Reads the attribute updates of the devices as newline delimited json,
applies the device policies to them and dispatches the resulting messages.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.InitConfiguration(cmd, configFile)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogger()
		defer logger.Sync()

		undo := zap.ReplaceGlobals(logger)
		defer undo()

		m, err := metrics.New(prometheus.DefaultRegisterer)
		if err != nil {
			return err
		}

		if addr := config.GetMetricsAddress(); addr != "" {
			go serveMetrics(addr)
		}

		identity, certManager, err := initIdentity()
		if err != nil {
			return err
		}
		if !identity.IsActivated() {
			zap.S().Warnw("endpoint is not activated", "endpoint_id", identity.EndpointID())
		}

		transport, err := initTransport(certManager)
		if err != nil {
			return err
		}

		registry, err := device.NewFileRegistry(config.GetDeviceModelFile())
		if err != nil {
			return err
		}

		catalog, err := initCatalog()
		if err != nil {
			return err
		}

		policyOpts := []policy.Option{policy.WithMetrics(m)}
		if config.IsGateway() {
			policyOpts = append(policyOpts, policy.WithGateway())
		}
		policyManager := policy.New(transport, identity, policyOpts...)

		executorOpts := []pipeline.Option{pipeline.WithMetrics(m)}
		var sched *scheduler.Scheduler
		if config.UseInlineWindows() {
			executorOpts = append(executorOpts, pipeline.WithInlineWindows())
		} else {
			sched = scheduler.New(nil, scheduler.WithMetrics(m))
			executorOpts = append(executorOpts, pipeline.WithWindowClock(sched))
		}
		executor := pipeline.New(catalog, executorOpts...)

		dispatcher := messaging.LogDispatcher{}
		orchestrator := messaging.New(policyManager, executor, sched, registry, dispatcher,
			messaging.WithMetrics(m),
			messaging.WithInvoker(device.LogInvoker{}),
		)

		reader, closeReader, err := openInput(config.GetInputFile())
		if err != nil {
			return err
		}
		defer closeReader()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- process(ctx, reader, orchestrator, dispatcher, identity.EndpointID())
		}()

		signals := make(chan os.Signal, 1)
		signal.Notify(signals, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
		defer signal.Stop(signals)

		for {
			select {
			case s := <-signals:
				if s == syscall.SIGHUP {
					if err := registry.Reload(); err != nil {
						zap.S().Errorw("cannot reload device models", "error", err)
					}
					continue
				}
				zap.S().Infow("shutting down", "signal", s.String())
				cancel()
				return shutdown(orchestrator, nil)
			case err := <-done:
				return shutdown(orchestrator, err)
			}
		}
	},
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "configuration file")
	rootCmd.Flags().StringVar(&caRoot, "ca-root", "", "ca certificate")
	rootCmd.Flags().StringVar(&certFile, "cert", "", "client certificate")
	rootCmd.Flags().StringVar(&privateKey, "key", "", "private key")
	rootCmd.Flags().StringVar(&server, "server", "", "server address")
	rootCmd.Flags().StringVar(&endpointID, "endpoint-id", "", "endpoint id. Defaults to the machine id")
	rootCmd.Flags().BoolVar(&gateway, "gateway", false, "resolve the devices of a policy from the server")
	rootCmd.Flags().StringVar(&deviceModels, "device-models", "device-models.yaml", "device model file")
	rootCmd.Flags().StringVar(&policies, "policies", "", "policy file used when there is no server")
	rootCmd.Flags().StringVar(&input, "input", "", "attribute update file. Defaults to stdin")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	rootCmd.Flags().StringVar(&networkCost, "network-cost", "ETHERNET", "cost of the network: ETHERNET, CELLULAR or SATELLITE")
	rootCmd.Flags().IntVar(&formulaCacheSize, "formula-cache-size", formula.DefaultCacheSize, "number of parsed formulas kept in memory")
	rootCmd.Flags().StringVar(&metricsAddress, "metrics-address", "", "listen address of the metrics endpoint")
	rootCmd.Flags().BoolVar(&inlineWindows, "inline-windows", false, "expire the windows when the next value arrives instead of using timers")
}

func setupLogger() *zap.Logger {
	loggerCfg := &zap.Config{
		Level:    zap.NewAtomicLevelAt(zapcore.InfoLevel),
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "severity",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeTime:     zapcore.RFC3339TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	atomicLogLevel, err := zap.ParseAtomicLevel(config.GetLogLevel())
	if err == nil {
		loggerCfg.Level = atomicLogLevel
	}

	plain, err := loggerCfg.Build(zap.AddStacktrace(zap.DPanicLevel))
	if err != nil {
		panic(err)
	}

	return plain
}

// staticIdentity is the identity of an endpoint without certificate.
type staticIdentity string

func (s staticIdentity) EndpointID() string {
	return string(s)
}

func (s staticIdentity) IsActivated() bool {
	return true
}

func initIdentity() (policy.Identity, *certificate.Manager, error) {
	if config.GetCertificateFile() == "" {
		return staticIdentity(config.GetEndpointID()), nil, nil
	}

	certManager, err := initCertificateManager(config.GetCARootFile(), config.GetCertificateFile(), config.GetPrivateKey())
	if err != nil {
		return nil, nil, fmt.Errorf("cannot load certificates: %w", err)
	}

	return certManager, certManager, nil
}

func initCertificateManager(caroot, certFile, keyFile string) (*certificate.Manager, error) {
	// read certificates
	caRoot, err := os.ReadFile(caroot)
	if err != nil {
		return nil, err
	}

	cert, err := os.ReadFile(certFile)
	if err != nil {
		return nil, err
	}

	privateKey, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, err
	}

	certManager, err := certificate.New([][]byte{caRoot}, cert, privateKey)
	if err != nil {
		return nil, err
	}

	return certManager, nil
}

func initTransport(certManager *certificate.Manager) (policy.Transport, error) {
	if config.GetServerAddress() == "" {
		if config.GetPolicyFile() == "" {
			return nil, errors.New("either a server address or a policy file is required")
		}
		return httpClient.NewFileTransport(config.GetPolicyFile())
	}

	if certManager == nil {
		return nil, errors.New("the client certificate is required to talk to the server")
	}

	retry := config.GetRetryConfig()

	// httpClient is a wrapper around http client which implements the iot api.
	return httpClient.New(config.GetServerAddress(), certManager,
		httpClient.WithTimeout(config.GetHttpRequestTimeout()),
		httpClient.WithRetry(retry.InitialInterval, retry.MaxElapsedTime),
	)
}

func initCatalog() (*function.Catalog, error) {
	cost, err := function.ParseNetworkCost(config.GetNetworkCost())
	if err != nil {
		return nil, err
	}

	formulas, err := formula.NewCache(config.GetFormulaCacheSize())
	if err != nil {
		return nil, err
	}

	return function.NewCatalog(
		function.WithFormulaCache(formulas),
		function.WithNetworkCost(function.StaticNetworkCost(cost)),
	)
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "" {
		return os.Stdin, func() {}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot open input file: %w", err)
	}

	return f, func() { f.Close() }, nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	zap.S().Infow("serving metrics", "address", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		zap.S().Errorw("metrics server stopped", "error", err)
	}
}

// shutdown closes the orchestrator, waiting at most the graceful shutdown duration for the queued tasks.
func shutdown(o *messaging.Orchestrator, err error) error {
	closed := make(chan struct{})
	go func() {
		o.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(config.GetGracefulShutdownDuration()):
		zap.S().Warn("graceful shutdown timed out")
	}

	return err
}
