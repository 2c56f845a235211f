package shipper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"

	"github.com/felixnotka/trailship/pkg/appender"
	"github.com/felixnotka/trailship/pkg/batcher"
	"github.com/felixnotka/trailship/pkg/deadletter"
	"github.com/felixnotka/trailship/pkg/ingestor"
	"github.com/felixnotka/trailship/pkg/metrics"
	"github.com/felixnotka/trailship/pkg/objectstore"
	"github.com/felixnotka/trailship/pkg/registrar"
	"github.com/felixnotka/trailship/pkg/sink"
	"github.com/felixnotka/trailship/pkg/tokenstore"
)

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// Deps are the backends a Shipper ships through.
type Deps struct {
	Objects     objectstore.Store
	Sink        sink.Sink
	Tokens      tokenstore.Store
	DeadLetters deadletter.Sink

	// Account is the account the shipper runs in.
	Account string
}

// Shipper is the Lambda handler. It lives for the lifetime of the execution
// environment and is reused across invocations.
type Shipper struct {
	Ingestor       *ingestor.Ingestor
	Log            logr.Logger
	PushgatewayURL string

	closers []func() error
}

// Assemble wires the shipping pipeline on top of deps.
func Assemble(cfg Config, deps Deps, log logr.Logger) *Shipper {
	engine := appender.New(deps.Sink, deps.Tokens, appender.Options{
		MaxTries:   cfg.MaxTries,
		MinDelay:   cfg.RetryMinDelay,
		MaxDelay:   cfg.RetryMaxDelay,
		RatePerSec: cfg.AppendRatePerSec,
		TokenTTL:   cfg.TokenTTL,
	})

	dl := deps.DeadLetters
	if dl == nil {
		dl = deadletter.LogSink{}
	}

	return &Shipper{
		Ingestor: &ingestor.Ingestor{
			Objects:     deps.Objects,
			Classifier:  ingestor.NewClassifier(cfg.ActivityLogGroup, cfg.InsightLogGroup, deps.Account),
			Registrar:   registrar.New(deps.Sink, deps.Tokens),
			Batcher:     batcher.New(batcher.DefaultLimits()),
			Engine:      engine,
			DeadLetters: dl,
			Concurrency: cfg.StreamConcurrency,
		},
		Log:            log,
		PushgatewayURL: cfg.PushgatewayURL,
		closers:        []func() error{dl.Close},
	}
}

// New connects the AWS backends described by cfg.
func New(ctx context.Context, cfg Config, log logr.Logger) (*Shipper, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	account, err := ResolveAccount(ctx, sts.NewFromConfig(awsCfg), cfg.AccountID)
	if err != nil {
		return nil, err
	}

	deps := Deps{
		Objects: objectstore.NewS3Store(s3.NewFromConfig(awsCfg)),
		Sink:    sink.NewCloudWatchSink(cloudwatchlogs.NewFromConfig(awsCfg)),
		Account: account,
	}

	var closers []func() error
	switch strings.ToLower(cfg.TokenBackend) {
	case "", "dynamodb":
		deps.Tokens = tokenstore.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.TokenTable)
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, errors.New("TOKEN_BACKEND=redis requires REDIS_ADDR")
		}
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		deps.Tokens = tokenstore.NewRedisStore(client)
		closers = append(closers, client.Close)
	default:
		return nil, fmt.Errorf("unknown token backend %q", cfg.TokenBackend)
	}

	if len(cfg.DeadLetterBrokers) > 0 {
		deps.DeadLetters = deadletter.NewKafkaSink(cfg.DeadLetterBrokers, cfg.DeadLetterTopic)
	}

	s := Assemble(cfg, deps, log)
	s.closers = append(s.closers, closers...)
	log.Info("shipper ready",
		"account", account,
		"tokenBackend", cfg.TokenBackend,
		"activityLogGroup", cfg.ActivityLogGroup,
		"insightLogGroup", cfg.InsightLogGroup,
		"deadLetters", len(cfg.DeadLetterBrokers) > 0)
	return s, nil
}

// Handle ships one S3 event. A returned error makes Lambda retry the event.
func (s *Shipper) Handle(ctx context.Context, event events.S3Event) error {
	log := s.Log
	instance := ""
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		log = log.WithValues("requestId", lc.AwsRequestID)
		instance = lambdacontext.LogStreamName
	}
	ctx = logr.NewContext(ctx, log)

	report, err := s.Ingestor.Handle(ctx, event)
	if err != nil {
		log.Error(err, "invocation aborted, event will be redelivered")
	} else if report.Degraded() {
		log.Info("invocation degraded, some objects were not shipped", "failed", report.Count(ingestor.StatusFailed))
	}

	if s.PushgatewayURL != "" {
		if perr := metrics.Push(ctx, s.PushgatewayURL, "trailship", instance); perr != nil {
			log.Error(perr, "could not push metrics")
		}
	}
	return err
}

// Close releases the backend connections.
func (s *Shipper) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// Start builds the shipper and serves Lambda invocations until ctx ends.
func Start(ctx context.Context, buildInfo BuildInfo, config Config) error {
	log, err := NewLogger(config.LogLevel)
	if err != nil {
		return err
	}
	log.WithName("setup").Info("starting trailship",
		"version", buildInfo.Version,
		"commit", buildInfo.Commit,
		"date", buildInfo.Date,
		"function", os.Getenv("AWS_LAMBDA_FUNCTION_NAME"),
	)

	s, err := New(ctx, config, log)
	if err != nil {
		return fmt.Errorf("unable to create shipper: %w", err)
	}

	lambda.StartWithOptions(s.Handle,
		lambda.WithContext(ctx),
		lambda.WithEnableSIGTERM(func() {
			if err := s.Close(); err != nil {
				log.Error(err, "closing backends")
			}
		}),
	)
	return nil
}
