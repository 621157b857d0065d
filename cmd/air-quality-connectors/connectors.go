package main

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/i474232898/air-quality-connectors/internal/airquality"
	"github.com/i474232898/air-quality-connectors/internal/airquality/providers"
	"github.com/i474232898/air-quality-connectors/internal/config"
)

// buildConnectors assembles every connector described by the source
// definitions. Insight sites run their parameter source before wind.
func buildConnectors(cfg *config.AppConfig, client *http.Client) ([]airquality.Connector, error) {
	var connectors []airquality.Connector

	names := make([]string, 0, len(cfg.Sources.Insight))
	for name := range cfg.Sources.Insight {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		src := cfg.Sources.Insight[name]
		insight := providers.NewInsightClient(name, src, cfg.InsightCredentials[name], client)
		connectors = append(connectors, airquality.Connector{
			Name:    name,
			Path:    "/" + name,
			Product: src.Product,
			Sources: []airquality.Source{
				providers.NewInsightParameters(insight),
				providers.NewInsightWind(insight),
			},
		})
	}

	fenceline, err := providers.NewFenceline(cfg.Sources.Fenceline, client)
	if err != nil {
		return nil, err
	}
	connectors = append(connectors, airquality.Connector{
		Name:    "fenceline-rodeo",
		Path:    "/fenceline/rodeo",
		Product: cfg.Sources.Fenceline.Product,
		Sources: []airquality.Source{fenceline},
	})

	pa := cfg.Sources.PurpleAir
	groups := make([]string, 0, len(pa.Groups))
	for group := range pa.Groups {
		groups = append(groups, group)
	}
	sort.Strings(groups)

	// "purpleair" covers every group and only runs on demand, since the group
	// connectors already scrape the same sensors.
	all := airquality.Connector{Name: "purpleair", Path: "/purpleair", Product: pa.Product, Manual: true}
	var perGroup []airquality.Connector
	for _, group := range groups {
		name := "purpleair-" + group
		src := providers.NewPurpleAir(name, pa.BaseURL, pa.Groups[group], client)
		all.Sources = append(all.Sources, src)
		perGroup = append(perGroup, airquality.Connector{
			Name:    name,
			Path:    "/purpleair/" + group,
			Product: pa.Product,
			Sources: []airquality.Source{src},
		})
	}
	connectors = append(connectors, all)
	connectors = append(connectors, perGroup...)

	seen := make(map[string]bool, len(connectors))
	for _, c := range connectors {
		if seen[c.Path] {
			return nil, fmt.Errorf("duplicate connector path %s", c.Path)
		}
		seen[c.Path] = true
	}
	return connectors, nil
}

// scheduled filters connectors down to those enabled in the configuration.
// Manual connectors run only when listed by name.
func scheduled(cfg *config.AppConfig, connectors []airquality.Connector) []airquality.Connector {
	var out []airquality.Connector
	for _, c := range connectors {
		if c.Manual && len(cfg.Connectors) == 0 {
			continue
		}
		if cfg.Enabled(c.Name) {
			out = append(out, c)
		}
	}
	return out
}
