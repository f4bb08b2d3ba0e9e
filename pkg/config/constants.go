package config

// EnvPrefix namespaces every environment variable the engine reads.
const EnvPrefix = "TUTORLINK"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvDBDSN  = "TUTORLINK_DB_DSN"
	EnvDBHost = "TUTORLINK_DB_HOST"
	EnvDBUser = "TUTORLINK_DB_USER"
	EnvDBName = "TUTORLINK_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
