package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SupplierRoute overrides the default message-type-prefix → transport
// routing for one supplier, e.g. a supplier that only accepts webhook
// notifications instead of email.
type SupplierRoute struct {
	SupplierID  string `yaml:"supplier_id"`
	HandlerType string `yaml:"handler_type"`
}

// RoutingConfig is the optional structured configuration loaded from
// ROUTING_CONFIG_PATH — too shaped for a single environment variable,
// analogous to the dataset-pattern alias file the ambient stack already
// loads elsewhere in this codebase's lineage.
type RoutingConfig struct {
	SupplierRoutes []SupplierRoute `yaml:"supplier_routes"`
}

// LoadRoutingConfig reads and parses path. A missing path is not an
// error: it returns a zero-value RoutingConfig so routing falls back
// entirely to the compiled-in message-type-prefix defaults.
func LoadRoutingConfig(path string) (RoutingConfig, error) {
	if path == "" {
		return RoutingConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return RoutingConfig{}, nil
		}

		return RoutingConfig{}, fmt.Errorf("config: read routing config %s: %w", path, err)
	}

	var cfg RoutingConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return RoutingConfig{}, fmt.Errorf("config: parse routing config %s: %w", path, err)
	}

	return cfg, nil
}

// HandlerFor returns the overridden handler type for supplierID, if any
// route names one.
func (c RoutingConfig) HandlerFor(supplierID string) (string, bool) {
	for _, r := range c.SupplierRoutes {
		if r.SupplierID == supplierID {
			return r.HandlerType, true
		}
	}

	return "", false
}
