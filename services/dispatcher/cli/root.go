package cli

import "github.com/zianncupcake/myfoods-backend/internal/cliutil"

const defaultDispatcherYAML = `# MyFoods — Dispatcher config
# Priority: CLI flag > this file > default.

kafka_brokers: "localhost:9092"
redis_addr:    "localhost:6379"
log_level:     "info"
platform_rate_limit: 5      # work items/second per platform (0 = disabled)
throttle_wait: "100ms"      # pause between limiter checks while throttled
metrics_addr:  ":9094"

# otel_endpoint: "localhost:4318"  # uncomment to enable OpenTelemetry tracing
otel_sample_ratio: 1.0
`

var rootCmd = cliutil.NewRootCmd(
	"dispatcher",
	"MyFoods Dispatcher — routes submitted URLs to platform worker topics",
	defaultDispatcherYAML,
	serveCmd,
)

// Execute is the entry point called from cmd/dispatcher/main.go.
func Execute() { cliutil.Execute(rootCmd) }
