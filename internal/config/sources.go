package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/couchcryptid/quake-consensus-service/internal/domain"
)

type sourcesFile struct {
	Sources []domain.Source `yaml:"sources"`
}

// LoadSources reads source descriptors from a YAML file of the form:
//
//	sources:
//	  - id: usgs
//	    name: USGS real-time feed
//	    category: earthquake
//	    base_reliability: 0.95
//	    coverage: {min_lat: -90, max_lat: 90, min_lon: -180, max_lon: 180}
//
// An empty endpoint means the source is reached through the proxy at
// /api/proxy/{id}.
func LoadSources(path string) ([]domain.Source, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read SOURCES_FILE: %w", err)
	}
	var f sourcesFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse SOURCES_FILE: %w", err)
	}
	for i := range f.Sources {
		if f.Sources[i].Name == "" {
			f.Sources[i].Name = f.Sources[i].ID
		}
	}
	return f.Sources, nil
}

// DefaultSources is the built-in source set used when SOURCES_FILE is unset.
func DefaultSources() []domain.Source {
	japan := domain.Region{MinLat: 20, MaxLat: 50, MinLon: 120, MaxLon: 155}
	return []domain.Source{
		{ID: "p2pquake", Name: "P2P earthquake live feed", Category: domain.CategoryEarthquake, BaseReliability: 0.9, Coverage: japan},
		{ID: "usgs", Name: "USGS real-time earthquakes", Category: domain.CategoryEarthquake, BaseReliability: 0.95},
		{ID: "emsc", Name: "EMSC seismic portal", Category: domain.CategorySeismic, BaseReliability: 0.85},
		{ID: "jma-tsunami", Name: "JMA tsunami bulletins", Category: domain.CategoryTsunami, BaseReliability: 0.8, Coverage: japan},
	}
}
