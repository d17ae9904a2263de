// Package config loads the paygated JSON configuration once at startup,
// fills defaults relative to the config file location, resolves secrets
// referenced through *_env fields and rejects incomplete payment settings
// before any component is constructed.
package config
