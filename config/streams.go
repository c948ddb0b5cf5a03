package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"l3flow/models"
)

// StreamSpec is one stream to start at boot.
type StreamSpec struct {
	Instrument       string        `yaml:"instrument"`
	Venues           []string      `yaml:"venues"`
	Persist          *bool         `yaml:"persist"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	SnapshotEvery    int           `yaml:"snapshot_every"`
}

// Request converts the entry to a validated start request. Persistence is on
// unless the file turns it off.
func (s StreamSpec) Request() (models.StartRequest, error) {
	persist := true
	if s.Persist != nil {
		persist = *s.Persist
	}
	req := models.StartRequest{
		Venues:           append([]string(nil), s.Venues...),
		Instrument:       s.Instrument,
		Persist:          persist,
		SnapshotInterval: s.SnapshotInterval,
		SnapshotEvery:    s.SnapshotEvery,
	}
	if err := req.Normalize(); err != nil {
		return models.StartRequest{}, err
	}
	return req, nil
}

// Streams is the boot stream file.
type Streams struct {
	Streams []StreamSpec `yaml:"streams"`
}

// LoadStreams loads and validates the boot stream list at path.
func LoadStreams(path string) (*Streams, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read streams file: %w", err)
	}
	var cfg Streams
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse streams file: %w", err)
	}
	for i, s := range cfg.Streams {
		if _, err := s.Request(); err != nil {
			return nil, fmt.Errorf("stream %d (%s): %w", i, s.Instrument, err)
		}
	}
	return &cfg, nil
}
