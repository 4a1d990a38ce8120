package config

const EnvPrefix = "ENGAGE"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv = "ENGAGE_APP_ENV"
	EnvPort   = "ENGAGE_APP_PORT"

	EnvDBDSN  = "ENGAGE_DB_DSN"
	EnvDBHost = "ENGAGE_DB_HOST"
	EnvDBUser = "ENGAGE_DB_USER"
	EnvDBName = "ENGAGE_DB_NAME"

	EnvRedisURL = "ENGAGE_REDIS_URL"

	EnvGCPProjectID = "ENGAGE_GCP_PROJECT_ID"
	EnvInboxTopic   = "ENGAGE_INBOX_TOPIC"

	EnvTrackingSecret  = "ENGAGE_TRACKING_SECRET"
	EnvTrackingBaseURL = "ENGAGE_TRACKING_BASE_URL"

	EnvClaimBackend     = "ENGAGE_CLAIM_BACKEND"
	EnvClaimNodeWeight  = "ENGAGE_CLAIM_NODE_WEIGHT"
	EnvClaimStaleAfter  = "ENGAGE_CLAIM_STALE_TIMEOUT"
	EnvDispatchRetry    = "ENGAGE_DISPATCH_RETRY_DELAY"
	EnvDispatchMaxRetry = "ENGAGE_DISPATCH_MAX_ATTEMPTS"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
