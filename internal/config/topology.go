package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	apperrors "github.com/devrev/orset/internal/errors"
	"github.com/devrev/orset/internal/model"
)

// TopologyFile is the on-disk layout of a topology:
//
//	clusters:
//	  - id: A
//	    stores:
//	      - {id: x, host: 127.0.0.1, port: 6379}
type TopologyFile struct {
	Clusters []ClusterEntry `yaml:"clusters" toml:"clusters"`
}

// ClusterEntry is one cluster of a topology file
type ClusterEntry struct {
	ID     string       `yaml:"id" toml:"id"`
	Stores []StoreEntry `yaml:"stores" toml:"stores"`
}

// StoreEntry is one store of a topology file
type StoreEntry struct {
	ID   string `yaml:"id" toml:"id"`
	Host string `yaml:"host" toml:"host"`
	Port int    `yaml:"port" toml:"port"`
}

// LoadTopology reads a topology file, choosing the format by extension
func LoadTopology(path string) (*model.Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology file: %w", err)
	}

	var file TopologyFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	case ".toml":
		err = toml.Unmarshal(data, &file)
	default:
		return nil, apperrors.InvalidTopology(fmt.Sprintf("unsupported topology format %q", filepath.Ext(path)), nil)
	}
	if err != nil {
		return nil, apperrors.InvalidTopology("failed to parse topology file", err)
	}
	return file.Topology()
}

// Topology validates the file and builds the model
func (f *TopologyFile) Topology() (*model.Topology, error) {
	topo := model.NewTopology()
	for _, c := range f.Clusters {
		if topo.HasCluster(c.ID) {
			return nil, apperrors.InvalidTopology(fmt.Sprintf("duplicate cluster %q", c.ID), nil)
		}
		if len(c.Stores) == 0 {
			return nil, apperrors.InvalidTopology(fmt.Sprintf("cluster %q has no stores", c.ID), nil)
		}
		for _, s := range c.Stores {
			if _, dup := topo.Get(c.ID, s.ID); dup {
				return nil, apperrors.InvalidTopology(fmt.Sprintf("duplicate store %q in cluster %q", s.ID, c.ID), nil)
			}
			if s.Host == "" || s.Port <= 0 || s.Port > 65535 {
				return nil, apperrors.InvalidTopology(fmt.Sprintf("store %s:%s has an invalid endpoint", c.ID, s.ID), nil)
			}
			if err := topo.Set(c.ID, s.ID, model.Endpoint{Host: s.Host, Port: s.Port}); err != nil {
				return nil, apperrors.InvalidTopology("invalid identifier", err)
			}
		}
	}
	if topo.Len() == 0 {
		return nil, apperrors.InvalidTopology("topology has no stores", nil)
	}
	return topo, nil
}
