package config

import (
	"github.com/cuongbtq/jobrouter/internal/dispatch"
	"github.com/cuongbtq/jobrouter/internal/eligibility"
	"github.com/cuongbtq/jobrouter/internal/events"
	"github.com/cuongbtq/jobrouter/internal/jobs"
)

// EngineConfig returns the dispatch engine settings, defaulting unset values
func (c *Config) EngineConfig() dispatch.Config {
	out := dispatch.DefaultConfig()
	if c.Dispatch.OfferTTL > 0 {
		out.OfferTTL = c.Dispatch.OfferTTL
	}
	if c.Dispatch.MaxLiveOffers > 0 {
		out.MaxLiveOffers = c.Dispatch.MaxLiveOffers
	}
	if c.Dispatch.RoutingSLA > 0 {
		out.RoutingSLA = c.Dispatch.RoutingSLA
	}
	if c.Dispatch.SweepBatchSize > 0 {
		out.SweepBatchSize = c.Dispatch.SweepBatchSize
	}
	if c.Tokens.ContractorTTL > 0 {
		out.ContractorTokenTTL = c.Tokens.ContractorTTL
	}
	if c.Tokens.CustomerTTL > 0 {
		out.CustomerTokenTTL = c.Tokens.CustomerTTL
	}
	return out
}

// JobsConfig returns the jobs service token lifetimes
func (c *Config) JobsConfig() jobs.Config {
	e := c.EngineConfig()
	return jobs.Config{
		ContractorTokenTTL: e.ContractorTokenTTL,
		CustomerTokenTTL:   e.CustomerTokenTTL,
	}
}

// RadiusPolicy returns the eligibility radii, defaulting unset values
func (c *Config) RadiusPolicy() eligibility.RadiusPolicy {
	out := eligibility.DefaultRadiusPolicy()
	e := c.Eligibility
	if e.UrbanRadiusMiles > 0 {
		out.UrbanMiles = e.UrbanRadiusMiles
	}
	if e.RuralRadiusMiles > 0 {
		out.RuralMiles = e.RuralRadiusMiles
	}
	if e.UrbanRadiusKm > 0 {
		out.UrbanKm = e.UrbanRadiusKm
	}
	if e.RuralRadiusKm > 0 {
		out.RuralKm = e.RuralRadiusKm
	}
	if len(e.MileCountries) > 0 {
		out.MileCountries = e.MileCountries
	}
	return out
}

// RelayOptions returns the outbox relay settings. Zero values use the relay defaults.
func (c *Config) RelayOptions() events.RelayConfig {
	return events.RelayConfig{
		PollInterval:   c.Relay.PollInterval,
		BatchSize:      c.Relay.BatchSize,
		MaxRetries:     c.Relay.MaxRetries,
		PublishTimeout: c.Relay.PublishTimeout,
		StaleAfter:     c.Relay.StaleAfter,
	}
}
