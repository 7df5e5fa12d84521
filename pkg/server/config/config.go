// Package config holds the per-tenant application configuration. One Config
// describes one application: its keys, its mount point, and the feature
// switches the write pipeline consults.
package config

import "fmt"

// Config is the static configuration of a single application.
type Config struct {
	// AppID identifies the application.
	AppID string

	// MasterKey grants unrestricted access. ClientKey and RESTAPIKey grant
	// session-scoped access; either is accepted.
	MasterKey  string
	ClientKey  string
	RESTAPIKey string

	// Mount prefixes location headers in responses, e.g. "/1".
	Mount string

	// CollectionPrefix namespaces the application's collections inside a
	// shared datastore.
	CollectionPrefix string

	// EnableAnonymousUsers allows signups with authData.anonymous.
	EnableAnonymousUsers bool

	// FacebookAppIDs are the application ids accepted from the facebook
	// auth provider.
	FacebookAppIDs []string

	// SessionCacheSize bounds the session token cache. Zero picks the
	// default.
	SessionCacheSize int64
}

// Validate reports the first missing required setting.
func (c Config) Validate() error {
	if c.AppID == "" {
		return fmt.Errorf("config: app id is required")
	}
	if c.MasterKey == "" {
		return fmt.Errorf("config: master key is required")
	}
	if c.ClientKey == "" && c.RESTAPIKey == "" {
		return fmt.Errorf("config: a client key or rest api key is required")
	}
	return nil
}
