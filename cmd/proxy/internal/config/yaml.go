package config

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

type yamlRule struct {
	EndpointHost string `yaml:"endpoint_host"`
	EndpointPort int    `yaml:"endpoint_port"`
}

type yamlFile struct {
	ProxySettings map[string]interface{} `yaml:"proxy_settings"`
	Rules         map[string]yamlRule    `yaml:"rules"`
}

// ParseYAML reads the YAML form of the configuration:
//
//	proxy_settings:
//	  listen_port: 8080
//	rules:
//	  example.com:
//	    endpoint_host: 10.0.0.5
//	    endpoint_port: 9000
func ParseYAML(data []byte) (*Config, error) {
	var file yamlFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}

	cfg := Default()

	keys := make([]string, 0, len(file.ProxySettings))
	for key := range file.ProxySettings {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := file.ProxySettings[key]
		if value == nil {
			continue
		}
		if err := cfg.setGlobal(key, fmt.Sprint(value)); err != nil {
			return nil, err
		}
	}

	for host, r := range file.Rules {
		cfg.Rules[host] = Rule{
			Host:         host,
			EndpointHost: r.EndpointHost,
			EndpointPort: r.EndpointPort,
		}
	}

	return cfg, nil
}
