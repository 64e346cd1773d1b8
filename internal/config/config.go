// Package config loads a pipeline step's settings from the Lambda
// environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// ErrMissing is wrapped by Validate when required settings are absent.
var ErrMissing = errors.New("missing required configuration")

// Config holds everything a wrapped step needs at cold start.
type Config struct {
	EventBusName          string `mapstructure:"event_bus_name"`
	ExternalPayloadBucket string `mapstructure:"external_payload_bucket"`
	AssetsTableName       string `mapstructure:"assets_table_name"`

	// SSM parameter names consulted when the plain values above are empty.
	EventBusNameParam          string `mapstructure:"event_bus_name_ssm_param"`
	ExternalPayloadBucketParam string `mapstructure:"external_payload_bucket_ssm_param"`

	Service      string `mapstructure:"service"`
	StepName     string `mapstructure:"step_name"`
	PipelineName string `mapstructure:"pipeline_name"`
	IsFirst      bool   `mapstructure:"is_first"`
	IsLast       bool   `mapstructure:"is_last"`

	MaxResponseSize int           `mapstructure:"max_response_size"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay   time.Duration `mapstructure:"retry_max_delay"`
	MaxUnwrapDepth  int           `mapstructure:"max_unwrap_depth"`

	MetricsNamespace string `mapstructure:"metrics_namespace"`
	LogLevel         string `mapstructure:"log_level"`
}

// envBindings maps config keys to the environment variables read for them,
// in priority order.
var envBindings = map[string][]string{
	"event_bus_name":                    {"EVENT_BUS_NAME"},
	"external_payload_bucket":           {"EXTERNAL_PAYLOAD_BUCKET"},
	"assets_table_name":                 {"ASSETS_TABLE_NAME"},
	"event_bus_name_ssm_param":          {"EVENT_BUS_NAME_SSM_PARAM"},
	"external_payload_bucket_ssm_param": {"EXTERNAL_PAYLOAD_BUCKET_SSM_PARAM"},
	"service":                           {"SERVICE", "AWS_LAMBDA_FUNCTION_NAME"},
	"step_name":                         {"STEP_NAME"},
	"pipeline_name":                     {"PIPELINE_NAME"},
	"is_first":                          {"IS_FIRST"},
	"is_last":                           {"IS_LAST"},
	"max_response_size":                 {"MAX_RESPONSE_SIZE"},
	"max_retries":                       {"MAX_RETRIES"},
	"retry_base_delay":                  {"RETRY_BASE_DELAY"},
	"retry_max_delay":                   {"RETRY_MAX_DELAY"},
	"max_unwrap_depth":                  {"MAX_UNWRAP_DEPTH"},
	"metrics_namespace":                 {"METRICS_NAMESPACE"},
	"log_level":                         {"LOG_LEVEL"},
}

// Load reads the environment into a Config. It does not validate; call
// ResolveParameters and then Validate.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("is_first", false)
	v.SetDefault("is_last", false)
	v.SetDefault("max_response_size", 240*1024)
	v.SetDefault("max_retries", 3)
	v.SetDefault("retry_base_delay", "1s")
	v.SetDefault("retry_max_delay", "30s")
	v.SetDefault("max_unwrap_depth", 10)
	v.SetDefault("metrics_namespace", "MediaPipeline")
	v.SetDefault("log_level", "info")

	for key, envs := range envBindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Service = strings.TrimSpace(cfg.Service)
	cfg.StepName = strings.TrimSpace(cfg.StepName)
	if cfg.StepName == "" {
		cfg.StepName = cfg.Service
	}
	return &cfg, nil
}

// Validate reports every missing or out-of-range setting in one error.
func (c *Config) Validate() error {
	var missing []string
	if c.EventBusName == "" {
		missing = append(missing, "EVENT_BUS_NAME")
	}
	if c.ExternalPayloadBucket == "" {
		missing = append(missing, "EXTERNAL_PAYLOAD_BUCKET")
	}
	var errs []error
	if len(missing) > 0 {
		errs = append(errs, fmt.Errorf("%w: %s", ErrMissing, strings.Join(missing, ", ")))
	}
	if c.MaxResponseSize <= 0 {
		errs = append(errs, fmt.Errorf("MAX_RESPONSE_SIZE must be positive, got %d", c.MaxResponseSize))
	}
	if c.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("MAX_RETRIES must be at least 1, got %d", c.MaxRetries))
	}
	if c.RetryBaseDelay < 0 {
		errs = append(errs, fmt.Errorf("RETRY_BASE_DELAY must not be negative, got %s", c.RetryBaseDelay))
	}
	if c.MaxUnwrapDepth < 1 {
		errs = append(errs, fmt.Errorf("MAX_UNWRAP_DEPTH must be at least 1, got %d", c.MaxUnwrapDepth))
	}
	return errors.Join(errs...)
}

// ParameterGetter is the subset of the SSM client used to resolve indirect
// settings.
type ParameterGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// ResolveParameters fills empty settings from their SSM parameter when one
// is named. A nil client or no named parameters is a no-op.
func (c *Config) ResolveParameters(ctx context.Context, client ParameterGetter) error {
	targets := []struct {
		value *string
		param string
	}{
		{&c.EventBusName, c.EventBusNameParam},
		{&c.ExternalPayloadBucket, c.ExternalPayloadBucketParam},
	}
	for _, t := range targets {
		if *t.value != "" || t.param == "" {
			continue
		}
		if client == nil {
			return fmt.Errorf("SSM parameter %s named but no SSM client available", t.param)
		}
		start := time.Now()
		out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
			Name:           aws.String(t.param),
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return fmt.Errorf("SSM GetParameter %s: %w", t.param, err)
		}
		if out.Parameter == nil || aws.ToString(out.Parameter.Value) == "" {
			return fmt.Errorf("SSM parameter %s is empty", t.param)
		}
		*t.value = aws.ToString(out.Parameter.Value)
		log.Debug().Str("param", t.param).Dur("elapsed", time.Since(start)).Msg("Setting loaded from SSM")
	}
	return nil
}

// SSMParams lists the parameter names in use, for startup logging.
func (c *Config) SSMParams() map[string]string {
	params := map[string]string{}
	if c.EventBusNameParam != "" {
		params["eventBus"] = c.EventBusNameParam
	}
	if c.ExternalPayloadBucketParam != "" {
		params["payloadBucket"] = c.ExternalPayloadBucketParam
	}
	return params
}
