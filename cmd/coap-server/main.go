// Command coap-server runs an Endpoint as a long-lived CoAP server: it
// loads a YAML resource/listener configuration, seeds the resource tree,
// exposes Prometheus metrics over HTTP, and serves CoAP requests until
// interrupted.
package main

import (
	"flag"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coreway/coap/endpoint"
	"github.com/coreway/coap/internal/obs"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML server configuration file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		obs.Error("load config %q: %v", *configPath, err)
		return
	}
	obs.EnableTrace(cfg.Debug)

	ep := endpoint.New(endpoint.Config{
		Addr:             cfg.Addr,
		MulticastGroups:  cfg.MulticastGroups,
		MetricsNamespace: cfg.MetricsNamespace,
	})

	for _, rc := range cfg.Resources {
		r := newStaticResource(rc)
		if !ep.AddResource(rc.Path, r) {
			obs.Warn("duplicate resource path in config: %s", rc.Path)
		}
	}

	reg := prometheus.NewRegistry()
	ep.Metrics().MustRegister(reg)
	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
			obs.Error("metrics listener: %v", err)
		}
	}()

	obs.Info("serving CoAP on %s (metrics on %s)", cfg.Addr, cfg.MetricsAddr)
	if err := ep.ListenAndServe(); err != nil {
		obs.Error("endpoint stopped: %v", err)
	}
}
