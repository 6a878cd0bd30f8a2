// Package entcore is the embeddable entitlement enforcement core for
// privately deployed software. It validates signed licenses, enforces
// concurrent-session and resource quotas, gates tier-specific features,
// handles online and offline activation, and keeps a hash-chained audit
// trail of every enforcement decision.
//
// Consuming applications construct a Core with their configuration and the
// vendor's public verification key:
//
//	cfg := entcore.DefaultConfig()
//	core, err := entcore.New(ctx, cfg, publicKey)
//	if err != nil {
//	    return err
//	}
//	defer core.Close()
//	core.Start(ctx)
//
//	if _, err := core.RegisterSession(ctx, userID, 0); err != nil {
//	    // capacity reached or license invalid
//	}
package entcore

import (
	"entcore/internal/config"
	"entcore/internal/core"
	"entcore/internal/feature"
	"entcore/internal/infrastructure"
	"entcore/internal/license"
	"entcore/internal/quota"
	"entcore/internal/signature"
)

// Core is the enforcement facade. See the core package for the full API.
type Core = core.Core

// Option configures a Core.
type Option = core.Option

// Config is the entitlement core configuration.
type Config = config.Config

// FeatureDecision is the structured answer to a feature check.
type FeatureDecision = feature.Decision

// ResourceCheck reports one resource-limit evaluation.
type ResourceCheck = quota.CheckResult

// RenewalInfo reports days left and renewal reminders.
type RenewalInfo = license.RenewalInfo

// TokenStore is the encrypted on-disk license token file.
type TokenStore = license.TokenStore

// KeyPair is an ed25519 signing key pair for license issuers.
type KeyPair = signature.KeyPair

// New constructs a Core from configuration and the vendor's base64-encoded
// public verification key.
var New = core.New

// Re-exported options.
var (
	WithClock      = core.WithClock
	WithSigner     = core.WithSigner
	WithTokenStore = core.WithTokenStore
	WithMeter      = core.WithMeter
)

// LoadConfig reads configuration from the environment merged over an
// optional YAML file.
var LoadConfig = config.Load

// DefaultConfig returns the built-in configuration.
var DefaultConfig = config.Default

// GenerateKeyPair creates a fresh issuer key pair.
var GenerateKeyPair = signature.GenerateKeyPair

// NewTokenStore opens an encrypted license token file at path.
var NewTokenStore = license.NewTokenStore

// MetricsProviders is the OTel metrics pipeline with a Prometheus registry.
type MetricsProviders = infrastructure.MetricsProviders

// InitializeMetrics builds the metrics pipeline; pass its Meter to WithMeter
// and mount its PrometheusHTTP handler to expose the scrape endpoint.
var InitializeMetrics = infrastructure.InitializeMetrics

// InitializeLogger configures the core's structured logger once per process.
var InitializeLogger = infrastructure.InitializeLogger
