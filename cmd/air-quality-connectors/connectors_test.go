package main

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/air-quality-connectors/internal/airquality"
	"github.com/i474232898/air-quality-connectors/internal/config"
)

func defaultConfig(t *testing.T, enabled ...string) *config.AppConfig {
	t.Helper()
	sources, err := config.LoadSources("")
	require.NoError(t, err)
	return &config.AppConfig{Sources: sources, Connectors: enabled}
}

func byName(connectors []airquality.Connector) map[string]airquality.Connector {
	out := make(map[string]airquality.Connector, len(connectors))
	for _, c := range connectors {
		out[c.Name] = c
	}
	return out
}

func TestBuildConnectors(t *testing.T) {
	connectors, err := buildConnectors(defaultConfig(t), http.DefaultClient)
	require.NoError(t, err)

	got := byName(connectors)
	require.Len(t, got, 6)

	chevron := got["chevron"]
	assert.Equal(t, "/chevron", chevron.Path)
	assert.Equal(t, "AWBA_Chevron", chevron.Product)
	require.Len(t, chevron.Sources, 2)
	assert.Equal(t, "insight-chevron", chevron.Sources[0].Name())
	assert.Equal(t, "insight-chevron-wind", chevron.Sources[1].Name())
	assert.True(t, chevron.Sources[0].Reduction().QCFeeds)
	assert.Equal(t, "Wind_Speed_MPH", chevron.Sources[1].Reduction().MaxBy)
	assert.Equal(t, "Wind_Speed_MS", got["valero"].Sources[1].Reduction().MaxBy)

	rodeo := got["fenceline-rodeo"]
	assert.Equal(t, "/fenceline/rodeo", rodeo.Path)
	assert.Equal(t, "AWBA_FencelineRodeo", rodeo.Product)

	all := got["purpleair"]
	assert.Equal(t, "/purpleair", all.Path)
	require.Len(t, all.Sources, 2)
	assert.Equal(t, "purpleair-benicia", all.Sources[0].Name())
	assert.Equal(t, "purpleair-vallejo", all.Sources[1].Name())

	assert.Equal(t, "/purpleair/benicia", got["purpleair-benicia"].Path)
	assert.Equal(t, "AWBA_PurpleAir", got["purpleair-vallejo"].Product)
}

func TestBuildConnectorsBadTimezone(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Sources.Fenceline.Timezone = "Mars/Olympus_Mons"

	_, err := buildConnectors(cfg, http.DefaultClient)
	assert.Error(t, err)
}

func TestScheduledFiltersEnabled(t *testing.T) {
	cfg := defaultConfig(t, "valero", "purpleair")
	connectors, err := buildConnectors(cfg, http.DefaultClient)
	require.NoError(t, err)

	var names []string
	for _, c := range scheduled(cfg, connectors) {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"valero", "purpleair"}, names)

	all := scheduled(defaultConfig(t), connectors)
	assert.Len(t, all, len(connectors)-1)
	for _, c := range all {
		assert.NotEqual(t, "purpleair", c.Name)
	}
}

func TestScheduledConnectorsShareNoSource(t *testing.T) {
	cfg := defaultConfig(t)
	connectors, err := buildConnectors(cfg, http.DefaultClient)
	require.NoError(t, err)

	owner := map[airquality.Source]string{}
	for _, c := range scheduled(cfg, connectors) {
		for _, src := range c.Sources {
			if prev, ok := owner[src]; ok {
				t.Fatalf("source %s scheduled by both %s and %s", src.Name(), prev, c.Name)
			}
			owner[src] = c.Name
		}
	}
	assert.Len(t, owner, 7)
	assert.True(t, byName(connectors)["purpleair"].Manual)
}
