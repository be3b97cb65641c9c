// Package types defines the storage port, the pending-action taxonomy, the
// remote data service contract, configuration, and the standard errors of
// the fieldsync offline-data layer.
package types
