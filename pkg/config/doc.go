// Package config loads tally's configuration from the environment, with an
// optional .env file for local development.
//
// Server:
//
//	TALLY_HOST="0.0.0.0"
//	TALLY_PORT="8080"
//	TALLY_HEALTH_PORT="9090"
//	TALLY_REQUEST_TIMEOUT="10s"
//
// Storage:
//
//	TALLY_STORAGE_TYPE="postgres"  # memory, postgres
//	TALLY_POSTGRES_URL="postgres://localhost/tally?sslmode=disable"
//	TALLY_MIGRATE_ON_START="true"
//	TALLY_REDIS_URL="localhost:6379"
//
// Catalog and pricing:
//
//	TALLY_TIERS_SOURCE="file"  # file, postgres
//	TALLY_TIERS_FILE="config/tiers.yaml"
//	TALLY_TIERS_WATCH="true"
//	TALLY_PRICEBOOK_FILE="config/pricing.yaml"
//	TALLY_DISPLAY_UNITS_PER_DOLLAR="500000"
//
// Jobs:
//
//	TALLY_SCHEDULER_ENABLED="false"
//	TALLY_ROLLOVER_SCHEDULE="*/5 * * * *"
//	TALLY_EXPIRY_SCHEDULE="*/5 * * * *"
//	TALLY_DISPATCH_SCHEDULE="@every 10s"
//	TALLY_ARCHIVE_SCHEDULE="30 0 * * *"
//	TALLY_JOB_WORKERS="4"
//
// Webhooks and archive:
//
//	TALLY_WEBHOOK_URLS="https://a.example.com/hook,https://b.example.com/hook"
//	TALLY_WEBHOOK_SECRET="..."
//	TALLY_SLACK_WEBHOOK_URL="https://hooks.slack.com/services/..."
//	TALLY_S3_BUCKET="tally-usage"
//
// Observability:
//
//	TALLY_LOG_LEVEL="info"
//	TALLY_LOG_FORMAT="json"
//	TALLY_OTEL_ENABLED="false"
//	TALLY_OTEL_ENDPOINT="localhost:4317"
package config
