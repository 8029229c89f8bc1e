package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML overlay schema. Only options that are awkward to
// express in a single environment variable live here; scalar fields still
// override their env counterparts when present.
type fileConfig struct {
	Trust struct {
		Enabled           *bool    `yaml:"enabled"`
		AllowExpiredCerts *bool    `yaml:"allow_expired_certificates"`
		RequireClientCert *bool    `yaml:"require_client_certificate"`
		TrustDomain       string   `yaml:"spiffe_trust_domain"`
		AgentPrefix       string   `yaml:"agent_endpoint_prefix"`
		ExemptPaths       []string `yaml:"exempt_paths"`
		CABundle          string   `yaml:"ca_bundle"`
	} `yaml:"trust"`
}

// applyFile overlays values from a YAML file onto the env-derived config.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	if fc.Trust.Enabled != nil {
		c.TrustEnabled = *fc.Trust.Enabled
	}
	if fc.Trust.AllowExpiredCerts != nil {
		c.AllowExpiredCerts = *fc.Trust.AllowExpiredCerts
	}
	if fc.Trust.RequireClientCert != nil {
		c.RequireClientCert = *fc.Trust.RequireClientCert
	}
	if fc.Trust.TrustDomain != "" {
		c.SpiffeTrustDomain = fc.Trust.TrustDomain
	}
	if fc.Trust.AgentPrefix != "" {
		c.AgentPrefix = fc.Trust.AgentPrefix
	}
	if len(fc.Trust.ExemptPaths) > 0 {
		c.ExemptPaths = fc.Trust.ExemptPaths
	}
	if fc.Trust.CABundle != "" {
		c.CABundleFile = fc.Trust.CABundle
	}
	return nil
}
