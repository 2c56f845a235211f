package shipper

import "time"

// Config holds the shipper configuration, loaded from environment variables.
type Config struct {
	// ActivityLogGroup receives CloudTrail activity records.
	ActivityLogGroup string `env:"CLOUDTRAIL_LOG_GROUP" envDefault:"/aws/cloudtrail"`

	// InsightLogGroup receives CloudTrail Insights records.
	InsightLogGroup string `env:"INSIGHT_LOG_GROUP" envDefault:"/aws/cloudtrail/insight"`

	// MaxTries is the append attempt ceiling per batch.
	MaxTries int `env:"MAX_TRY" envDefault:"30"`

	// LogLevel is DEBUG, INFO, WARNING, ERROR or CRITICAL.
	LogLevel string `env:"LOG_LEVEL" envDefault:"INFO"`

	// TokenBackend selects the continuation token store: dynamodb or redis.
	TokenBackend string `env:"TOKEN_BACKEND" envDefault:"dynamodb"`

	// TokenTable is the DynamoDB table of the dynamodb backend.
	TokenTable string `env:"TOKEN_TABLE" envDefault:"SECLZSyncLogs"`

	// TokenTTL is how long a stored token is trusted.
	TokenTTL time.Duration `env:"TOKEN_TTL" envDefault:"168h"`

	// RedisAddr is the address of the redis backend.
	RedisAddr string `env:"REDIS_ADDR"`

	// AccountID is the account the shipper runs in. Resolved through STS when empty.
	AccountID string `env:"ACCOUNT_ID"`

	// RetryMinDelay and RetryMaxDelay bound the jittered backoff.
	RetryMinDelay time.Duration `env:"RETRY_MIN_DELAY" envDefault:"1s"`
	RetryMaxDelay time.Duration `env:"RETRY_MAX_DELAY" envDefault:"5s"`

	// AppendRatePerSec limits appends per stream. 0 disables limiting.
	AppendRatePerSec float64 `env:"APPEND_RATE_PER_SEC" envDefault:"5"`

	// StreamConcurrency is the number of streams shipped in parallel.
	StreamConcurrency int `env:"STREAM_CONCURRENCY" envDefault:"4"`

	// DeadLetterBrokers enables Kafka dead letters when set (comma separated).
	DeadLetterBrokers []string `env:"DEAD_LETTER_BROKERS"`

	// DeadLetterTopic is the Kafka topic for dead letters.
	DeadLetterTopic string `env:"DEAD_LETTER_TOPIC" envDefault:"trailship-dead-letter"`

	// PushgatewayURL enables pushing metrics after every invocation.
	PushgatewayURL string `env:"PUSHGATEWAY_URL"`

	// Region overrides the AWS region from the environment.
	Region string `env:"AWS_REGION"`
}
