// Package config handles configuration loading for perch.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${PERCH_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	pool:
//	  reconnect_base: "1s"
//	  reconnect_max: "30s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Gateway endpoint:
//
//	gateway:
//	  host: "gateway.example.com"
//	  tls: true
//
// Connection pool:
//
//	pool:
//	  capacity: 10
//	  max_reconnect_attempts: 5
//	  reconnect_base: "1s"
//	  reconnect_max: "30s"
//
// Durable outbound queue:
//
//	queue:
//	  backend: "sqlite"   # sqlite, redis, memory
//	  sqlite:
//	    path: "/var/lib/perch/queue.db"
//	  redis:
//	    addr: "localhost:6379"
//	    ttl: "72h"
//
// Workspace feed:
//
//	workspace:
//	  id: "ws-prod-1"
//	  grace_window: "1500ms"
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${PERCH_JWT_SECRET}"
//	  token_ttl: "24h"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - Workspace ID presence
//   - Queue backend selection and per-backend required fields
//   - Duration format validity
//
// # Usage
//
// Load from a path:
//
//	cfg, err := config.Load("/etc/perch/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
