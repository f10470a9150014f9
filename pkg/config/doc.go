// Package config loads the arkit configuration.
//
// Configuration is layered: Default() values, then a YAML, JSON or CUE file,
// then ARKIT_* environment variables. The result is validated with struct
// tags, and CUE files are additionally unified with the #Config schema so
// mistakes are reported with file positions.
//
// A minimal YAML file:
//
//	session:
//	  confidence_threshold: 0.7
//	  loss_timeout: 750ms
//	plugins:
//	  dir: ./plugins
//	  policy_paths: [./policies]
//	  watch_policies: true
//	loader:
//	  workers: 4
//	  placeholders:
//	    texture: assets/missing.png
//
// The same in CUE:
//
//	session: {
//	    confidence_threshold: 0.7
//	    loss_timeout:         "750ms"
//	}
//	plugins: dir: "./plugins"
//
// Environment overrides follow the section names, e.g.
// ARKIT_SESSION_LOSS_TIMEOUT=1s, ARKIT_PLUGINS_POLICY_PATHS=a.rego,b.rego,
// ARKIT_TELEMETRY_LOG_LEVEL=debug.
package config
