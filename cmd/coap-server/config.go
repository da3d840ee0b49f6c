package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

// ResourceConfig seeds one static resource into the tree at startup.
type ResourceConfig struct {
	Path         string `yaml:"path"`
	Payload      string `yaml:"payload"`
	ContentType  string `yaml:"content_type"`
	ResourceType string `yaml:"resource_type"`
	Visible      bool   `yaml:"visible"`
	Observable   bool   `yaml:"observable"`
	Writable     bool   `yaml:"writable"`
}

// Config is the on-disk shape of the server's YAML configuration file.
type Config struct {
	Addr             string           `yaml:"addr"`
	MulticastGroups  []string         `yaml:"multicast_groups"`
	MetricsAddr      string           `yaml:"metrics_addr"`
	MetricsNamespace string           `yaml:"metrics_namespace"`
	Debug            bool             `yaml:"debug"`
	Resources        []ResourceConfig `yaml:"resources"`
}

func defaultConfig() Config {
	return Config{
		Addr:             "0.0.0.0:5683",
		MetricsAddr:      ":9113",
		MetricsNamespace: "coap",
	}
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
