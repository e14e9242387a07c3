package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	prefix           = "DEVICE_POLICY"
	logLevel         = "LOG_LEVEL"
	caRoot           = "CA_ROOT"
	certFile         = "CERT"
	privateKey       = "KEY"
	server           = "SERVER"
	endpointID       = "ENDPOINT_ID"
	gateway          = "GATEWAY"
	deviceModels     = "DEVICE_MODELS"
	policies         = "POLICIES"
	input            = "INPUT"
	formulaCacheSize = "FORMULA_CACHE_SIZE"
	networkCost      = "NETWORK_COST"
	httpTimeout      = "HTTP_TIMEOUT"
	metricsAddress   = "METRICS_ADDRESS"
	inlineWindows    = "INLINE_WINDOWS"

	retryInitialInterval = "RETRY_INITIAL_INTERVAL"
	retryMaxElapsedTime  = "RETRY_MAX_ELAPSED_TIME"

	gracefulShutdown        = "GRACEFUL_SHUTDOWN"
	defaultGracefulShutdown = 5 * time.Second

	defaultLogLevel             = "info"
	defaultFormulaCacheSize     = 512
	defaultNetworkCost          = "ETHERNET"
	defaultHttpTimeout          = 5 * time.Second
	defaultRetryInitialInterval = 500 * time.Millisecond
	defaultRetryMaxElapsedTime  = time.Minute
)

type RetryConfig struct {
	InitialInterval time.Duration
	MaxElapsedTime  time.Duration
}

var v = viper.New()

func InitConfiguration(cmd *cobra.Command, configFile string) error {
	v = viper.New()

	v.SetEnvPrefix(prefix)
	v.AutomaticEnv() // read in environment variables that match

	if len(configFile) > 0 {
		v.SetConfigFile(configFile)

		err := v.ReadInConfig()
		if err != nil {
			zap.S().Errorw("cannot read config file", "error", err, "config_file", configFile)
			return fmt.Errorf("fail to read config file '%s': %w", configFile, err)
		}
		zap.S().Infow("using config file", "config_file", v.ConfigFileUsed())
	}

	// Bind the current command's flags to viper
	bindFlags(cmd, v)

	return nil
}

// Bind each cobra flag to its associated viper configuration (config file and environment variable)
func bindFlags(cmd *cobra.Command, v *viper.Viper) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		// replace - with _ to match yaml format
		flagName := f.Name
		if strings.Contains(f.Name, "-") {
			// Environment variables can't have dashes in them, so bind them to their equivalent
			// keys with underscores.
			envVarSuffix := strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
			v.BindEnv(f.Name, fmt.Sprintf("%s_%s", prefix, envVarSuffix))
			flagName = strings.ReplaceAll(f.Name, "-", "_")
		}

		// Apply the viper config value to the flag when the flag is not set and viper has a value
		// and the other way around.
		if !f.Changed && v.IsSet(flagName) {
			val := v.Get(flagName)
			cmd.Flags().Set(f.Name, fmt.Sprintf("%v", val))
		} else if f.Changed && !v.IsSet(flagName) {
			v.Set(flagName, f.Value.String())
		}
	})
}

func GetGracefulShutdownDuration() time.Duration {
	if !v.IsSet(gracefulShutdown) {
		return defaultGracefulShutdown
	}

	return v.GetDuration(gracefulShutdown)
}

func GetLogLevel() string {
	if !v.IsSet(logLevel) {
		return defaultLogLevel
	}

	return v.GetString(logLevel)
}

func GetHttpRequestTimeout() time.Duration {
	if !v.IsSet(httpTimeout) {
		return defaultHttpTimeout
	}

	return v.GetDuration(httpTimeout)
}

// GetEndpointID returns the id of the endpoint. Without configuration it is the machine id
// or a random uuid when the machine id cannot be read.
func GetEndpointID() string {
	if !v.IsSet(endpointID) || v.GetString(endpointID) == "" {
		id, err := machineid.ID()
		if err != nil {
			id = uuid.New().String()
		}

		// save id for the next call
		v.Set(endpointID, id)

		return id
	}

	return v.GetString(endpointID)
}

// IsGateway returns true if the client runs on behalf of other devices.
func IsGateway() bool {
	return v.GetBool(gateway)
}

func GetDeviceModelFile() string {
	return v.GetString(deviceModels)
}

// GetPolicyFile returns the file holding the policies used when there is no server.
func GetPolicyFile() string {
	return v.GetString(policies)
}

// GetInputFile returns the file of attribute updates. Empty means stdin.
func GetInputFile() string {
	return v.GetString(input)
}

func GetFormulaCacheSize() int {
	if !v.IsSet(formulaCacheSize) || v.GetInt(formulaCacheSize) <= 0 {
		return defaultFormulaCacheSize
	}

	return v.GetInt(formulaCacheSize)
}

func GetNetworkCost() string {
	if !v.IsSet(networkCost) || v.GetString(networkCost) == "" {
		return defaultNetworkCost
	}

	return strings.ToUpper(v.GetString(networkCost))
}

// GetMetricsAddress returns the listen address of the metrics endpoint. Empty disables it.
func GetMetricsAddress() string {
	return v.GetString(metricsAddress)
}

func UseInlineWindows() bool {
	return v.GetBool(inlineWindows)
}

func GetCARootFile() string {
	return v.GetString(caRoot)
}

func GetCertificateFile() string {
	return v.GetString(certFile)
}

func GetPrivateKey() string {
	return v.GetString(privateKey)
}

func GetServerAddress() string {
	return v.GetString(server)
}

func GetRetryConfig() RetryConfig {
	config := RetryConfig{
		InitialInterval: defaultRetryInitialInterval,
		MaxElapsedTime:  defaultRetryMaxElapsedTime,
	}

	if v.IsSet(retryInitialInterval) {
		config.InitialInterval = v.GetDuration(retryInitialInterval)
	}

	if v.IsSet(retryMaxElapsedTime) {
		config.MaxElapsedTime = v.GetDuration(retryMaxElapsedTime)
	}

	return config
}
