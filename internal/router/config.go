package router

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// EndpointDefinitions models the structure of configs/endpoints.yaml.
type EndpointDefinitions struct {
	Endpoints []Endpoint `yaml:"endpoints"`
}

// Endpoint describes one aggregator endpoint. Endpoints are tried in
// order; version 1 and above adds the dynamic compute-unit and priority
// fee fields to swap payloads.
type Endpoint struct {
	Name     string `yaml:"name" json:"name"`
	QuoteURL string `yaml:"quote_url" json:"quote_url"`
	SwapURL  string `yaml:"swap_url" json:"swap_url"`
	Version  int    `yaml:"version" json:"version"`
}

// LoadEndpointDefinitions parses the YAML file listing aggregator
// endpoints in fallback order.
func LoadEndpointDefinitions(path string) ([]Endpoint, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read endpoint definitions: %w", err)
	}

	var defs EndpointDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return nil, fmt.Errorf("parse endpoint definitions: %w", err)
	}
	return defs.Endpoints, nil
}
