// Package config loads and validates service configuration.
//
// Values are resolved in three layers: built-in defaults, an optional YAML
// file named by SPOKE_IAM_CONFIG_FILE, then SPOKE_IAM_* environment
// variables. Signing secrets are read only from the environment, either
// directly or through a _FILE variable pointing at a mounted secret:
//
//	SPOKE_IAM_ACCESS_SECRET_FILE=/run/secrets/access
//	SPOKE_IAM_REFRESH_SECRET_FILE=/run/secrets/refresh
//	SPOKE_IAM_DATABASE_URL=postgres://iam@db/iam?sslmode=require
//	SPOKE_IAM_CACHE_BACKEND=redis
//	SPOKE_IAM_REDIS_URL=redis://cache:6379/0
//
// A missing or empty secret, or a missing database URL, fails LoadConfig
// with an error wrapping auth.ErrConfigurationMissing. The process must not
// start in that case.
//
// Example file:
//
//	server:
//	  port: "8080"
//	  trust_proxy: true
//	cache:
//	  backend: lru
//	  ttl: 1h
//	sessions:
//	  purge_schedule: "@every 30m"
//	rbac:
//	  seed_file: /etc/spoke-iam/rbac.yaml
package config
