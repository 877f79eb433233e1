package config

// EnvPrefix namespaces every environment variable the service reads.
const EnvPrefix = "STOCKLEDGER"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

// Environment variable names referenced outside struct tags (tests, tooling).
const (
	EnvAppEnv   = "STOCKLEDGER_APP_ENV"
	EnvPort     = "STOCKLEDGER_APP_PORT"
	EnvDBDSN    = "STOCKLEDGER_DB_DSN"
	EnvDBHost   = "STOCKLEDGER_DB_HOST"
	EnvDBUser   = "STOCKLEDGER_DB_USER"
	EnvDBName   = "STOCKLEDGER_DB_NAME"
	EnvRedisURL = "STOCKLEDGER_REDIS_URL"

	EnvGCPProjectID     = "STOCKLEDGER_GCP_PROJECT_ID"
	EnvPubSubStockTopic = "STOCKLEDGER_PUBSUB_STOCK_TOPIC"
	EnvPubSubStockSub   = "STOCKLEDGER_PUBSUB_STOCK_SUBSCRIPTION"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
