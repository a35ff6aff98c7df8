// Package config loads the careauthd daemon configuration.
//
// Values are resolved in three layers: built-in defaults, then the YAML file,
// then CAREAUTH_* environment variables. Secrets (database DSN, redis and MQTT
// passwords, signing keys) should come from the environment in production:
//
//	CAREAUTH_DATABASE_DSN
//	CAREAUTH_REDIS_PASSWORD
//	CAREAUTH_MQTT_PASSWORD
//	CAREAUTH_AUTH_SIGNING_KEY
//
// A minimal file:
//
//	server:
//	  addr: ":8443"
//	database:
//	  driver: "sqlite"
//	  dsn: "file:careauth.db?cache=shared"
//	auth:
//	  rp_id: "care.example"
//	  rp_origins: ["https://care.example"]
package config
