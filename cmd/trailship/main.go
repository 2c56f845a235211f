package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/felixnotka/trailship/pkg/shipper"
)

// Build-time variables injected via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Printf("trailship %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	buildInfo := shipper.BuildInfo{
		Version: version,
		Commit:  commit,
		Date:    date,
	}

	config := loadConfig()

	if err := shipper.Start(ctx, buildInfo, config); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads shipper configuration from environment variables with defaults.
func loadConfig() shipper.Config {
	return shipper.Config{
		ActivityLogGroup:  envString("CLOUDTRAIL_LOG_GROUP", "/aws/cloudtrail"),
		InsightLogGroup:   envString("INSIGHT_LOG_GROUP", "/aws/cloudtrail/insight"),
		MaxTries:          envInt("MAX_TRY", 30),
		LogLevel:          envString("LOG_LEVEL", "INFO"),
		TokenBackend:      envString("TOKEN_BACKEND", "dynamodb"),
		TokenTable:        envString("TOKEN_TABLE", "SECLZSyncLogs"),
		TokenTTL:          envDuration("TOKEN_TTL", 7*24*time.Hour),
		RedisAddr:         envString("REDIS_ADDR", ""),
		AccountID:         envString("ACCOUNT_ID", ""),
		RetryMinDelay:     envDuration("RETRY_MIN_DELAY", time.Second),
		RetryMaxDelay:     envDuration("RETRY_MAX_DELAY", 5*time.Second),
		AppendRatePerSec:  envFloat("APPEND_RATE_PER_SEC", 5),
		StreamConcurrency: envInt("STREAM_CONCURRENCY", 4),
		DeadLetterBrokers: envList("DEAD_LETTER_BROKERS"),
		DeadLetterTopic:   envString("DEAD_LETTER_TOPIC", "trailship-dead-letter"),
		PushgatewayURL:    envString("PUSHGATEWAY_URL", ""),
		Region:            envString("AWS_REGION", ""),
	}
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil && i > 0 {
			return i
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil && f >= 0 {
			return f
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil && d >= 0 {
			return d
		}
	}
	return defaultVal
}

// envList splits a comma separated variable, dropping empty entries.
func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
