// Package lambdaboot holds the cold-start wiring shared by every step
// Lambda: AWS config, environment configuration, the payload store, the
// optional asset table, the event bus publisher, and startup logging.
//
// A step's init() is expected to be a call to Boot followed by lambda.Start.
package lambdaboot

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/fpang/media-pipeline/internal/config"
	"github.com/fpang/media-pipeline/internal/logging"
	"github.com/fpang/media-pipeline/internal/payload"
	"github.com/fpang/media-pipeline/internal/pipeline"
	"github.com/fpang/media-pipeline/internal/publish"
	"github.com/fpang/media-pipeline/internal/s3util"
	"github.com/fpang/media-pipeline/internal/store"
)

// AWSClients holds the AWS config and the clients every step uses.
type AWSClients struct {
	Config aws.Config
	SSM    *ssm.Client
	S3     *s3.Client
}

// Runtime is everything a step Lambda needs after cold start.
type Runtime struct {
	AWS      AWSClients
	Config   *config.Config
	Payloads *payload.Store
	Assets   *store.AssetStore
	Step     *pipeline.Step
}

// InitAWS loads the default AWS config. Fatals on error.
func InitAWS() AWSClients {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load AWS config")
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return AWSClients{
		Config: cfg,
		SSM:    ssm.NewFromConfig(cfg),
		S3:     s3.NewFromConfig(cfg),
	}
}

// LoadConfig reads the environment, resolves SSM-backed settings, and
// validates the result. Fatals on any problem so a misconfigured step never
// serves traffic.
func LoadConfig(ssmClient config.ParameterGetter) *config.Config {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	ssmStart := time.Now()
	if err := cfg.ResolveParameters(context.Background(), ssmClient); err != nil {
		log.Fatal().Err(err).Msg("Failed to resolve SSM parameters")
	}
	if len(cfg.SSMParams()) > 0 {
		log.Debug().Dur("elapsed", time.Since(ssmStart)).Msg("SSM parameters resolved")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	return cfg
}

// InitPayloadStore creates the offload store over S3.
func InitPayloadStore(client *s3.Client, cfg *config.Config) *payload.Store {
	return payload.NewStore(s3util.NewObjectClient(client), cfg.ExternalPayloadBucket,
		payload.WithMaxSize(cfg.MaxResponseSize))
}

// InitAssetsOptional creates the asset resolver if a table is configured.
// Returns nil (with a warning) otherwise.
func InitAssetsOptional(cfg aws.Config, tableName string) *store.AssetStore {
	if tableName == "" {
		log.Warn().Msg("ASSETS_TABLE_NAME not set — asset enrichment disabled")
		return nil
	}
	return store.NewAssetStore(dynamodb.NewFromConfig(cfg), tableName)
}

// InitPublisher creates the event bus publisher.
func InitPublisher(cfg aws.Config, c *config.Config) *publish.Publisher {
	return publish.New(eventbridge.NewFromConfig(cfg), c.EventBusName, c.Service)
}

// HandlerFactory builds a step's business handler once the AWS clients exist.
type HandlerFactory func(clients AWSClients) pipeline.Handler

// Boot performs the full cold start for a step Lambda and logs a startup
// summary. name identifies the binary in logs; commitHash is the build's
// git commit, if known.
func Boot(name, commitHash string, newHandler HandlerFactory) *Runtime {
	initStart := time.Now()
	logging.Init()

	clients := InitAWS()
	cfg := LoadConfig(clients.SSM)
	payloads := InitPayloadStore(clients.S3, cfg)
	assets := InitAssetsOptional(clients.Config, cfg.AssetsTableName)
	publisher := InitPublisher(clients.Config, cfg)

	// A nil *AssetStore is a valid resolver that never finds a record.
	step := pipeline.NewStep(newHandler(clients), payloads, assets, publisher, pipeline.FromConfig(cfg)...)

	sl := StartupLog(name, initStart).
		CommitHash(commitHash).
		S3Bucket("payloads", payloads.Bucket()).
		EventBus("output", cfg.EventBusName).
		Feature("isFirst", cfg.IsFirst).
		Feature("isLast", cfg.IsLast).
		Feature("assetResolver", assets != nil).
		Config("service", cfg.Service).
		Config("stepName", cfg.StepName).
		Config("pipelineName", cfg.PipelineName).
		Config("maxResponseSize", strconv.Itoa(payloads.MaxSize())).
		Config("maxRetries", strconv.Itoa(cfg.MaxRetries)).
		Config("retryBaseDelay", cfg.RetryBaseDelay.String()).
		Config("maxUnwrapDepth", strconv.Itoa(cfg.MaxUnwrapDepth))
	if assets != nil {
		sl.DynamoTable("assets", assets.TableName())
	}
	for label, path := range cfg.SSMParams() {
		sl.SSMParam(label, path)
	}
	sl.Log()

	return &Runtime{
		AWS:      clients,
		Config:   cfg,
		Payloads: payloads,
		Assets:   assets,
		Step:     step,
	}
}

// StartupLog is a convenience wrapper for the startup logger.
func StartupLog(name string, initStart time.Time) *logging.StartupLogger {
	return logging.NewStartupLogger(name).InitDuration(time.Since(initStart))
}
