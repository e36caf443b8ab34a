// Package config loads the fassetqa YAML configuration, applies environment
// overrides for secrets and fills defaults relative to the config file.
package config
