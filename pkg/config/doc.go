// Package config loads banquet configuration from defaults, an optional YAML
// file, and BANQUET_* environment variables, in that order of precedence.
//
// # Environment
//
// Storage:
//
//	BANQUET_DB_DRIVER="postgres"   # postgres, sqlite3, memory
//	BANQUET_DB_URL="postgres://localhost/banquet?sslmode=disable"
//	BANQUET_DB_MAX_CONNS="20"
//	BANQUET_REDIS_URL="redis://localhost:6379/0"
//
// Billing:
//
//	BANQUET_TAX_RATE_BPS="800"     # one rate shared by creation, revision and reconciliation
//	BANQUET_TIMEZONE="America/Chicago"
//
// Sweeps (AUTOMATION, REMINDER, RECONCILE):
//
//	BANQUET_AUTOMATION_SCHEDULE="*/15 * * * *"
//	BANQUET_AUTOMATION_WORKERS="8"
//	BANQUET_AUTOMATION_ENTITY_TIMEOUT="30s"
//	BANQUET_AUTOMATION_DEADLINE="10m"
//	BANQUET_REMINDER_COOLDOWN="24h"
//
// Notifier:
//
//	BANQUET_NOTIFIER="webhook"     # log, webhook, sms
//	BANQUET_WEBHOOK_URL="https://relay.example.com/hooks/reminders"
//	BANQUET_WEBHOOK_SECRET="..."
//	BANQUET_RATE_LIMIT="5"
//	BANQUET_RATE_LIMIT_WINDOW="1h"
//	BANQUET_RATE_LIMIT_BACKEND="redis"
//
// Observability:
//
//	BANQUET_LOG_LEVEL="info"
//	BANQUET_METRICS_ADDR=":9090"
//	BANQUET_OTEL_ENABLED="true"
//	BANQUET_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage
//
//	cfg, err := config.LoadConfig(os.Getenv("BANQUET_CONFIG"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	loc, _ := cfg.Billing.Location()
package config
