// Package config loads the server configuration: the channel catalogue,
// the connections to bring up, and the operator control socket.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nabunet/nabud/image"
)

// ChannelConfig describes one catalogue entry.
type ChannelConfig struct {
	Number       int16  `yaml:"number"`
	Name         string `yaml:"name"`
	Type         string `yaml:"type"` // "nabu" or "pak"
	Source       string `yaml:"source"`
	DefaultFile  string `yaml:"default_file"`
	ListURL      string `yaml:"list_url"`
	RetroNet     bool   `yaml:"retronet"`
	PakEncrypted bool   `yaml:"pak_encrypted"`
}

// ConnectionConfig describes one connection to create at startup.
type ConnectionConfig struct {
	Type         string `yaml:"type"` // "serial" or "tcp"
	Port         string `yaml:"port"` // device path or TCP port number
	Channel      int16  `yaml:"channel"`
	FileRoot     string `yaml:"file_root"`
	SelectedFile string `yaml:"selected_file"`

	// Serial-only knobs.
	Baud        int  `yaml:"baud"`
	StopBits    int  `yaml:"stop_bits"`
	FlowControl bool `yaml:"flow_control"`
}

// Config is the whole configuration file.
type Config struct {
	Channels    []ChannelConfig    `yaml:"channels"`
	Connections []ConnectionConfig `yaml:"connections"`

	ControlSocket string `yaml:"control_socket"`

	Pool struct {
		Size  int  `yaml:"size"`
		Debug bool `yaml:"debug"`
	} `yaml:"pool"`
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if cfg.Pool.Size == 0 {
		cfg.Pool.Size = 32
	}

	seen := make(map[int16]bool)
	for i := range cfg.Channels {
		ch := &cfg.Channels[i]
		if ch.Number == 0 {
			return nil, fmt.Errorf("%s: channel %q needs a non-zero number", path, ch.Name)
		}
		if seen[ch.Number] {
			return nil, fmt.Errorf("%s: duplicate channel number %d", path, ch.Number)
		}
		seen[ch.Number] = true
		if ch.Source == "" {
			return nil, fmt.Errorf("%s: channel %q needs a source", path, ch.Name)
		}
		switch ch.Type {
		case "nabu", "pak":
		default:
			return nil, fmt.Errorf("%s: channel %q has unknown type %q", path, ch.Name, ch.Type)
		}
	}

	for i := range cfg.Connections {
		cc := &cfg.Connections[i]
		switch cc.Type {
		case "serial", "tcp":
		default:
			return nil, fmt.Errorf("%s: connection %d has unknown type %q", path, i, cc.Type)
		}
		if cc.Port == "" {
			return nil, fmt.Errorf("%s: connection %d needs a port", path, i)
		}
		if cc.Channel != 0 && !seen[cc.Channel] {
			return nil, fmt.Errorf("%s: connection %d references unknown channel %d",
				path, i, cc.Channel)
		}
	}

	return cfg, nil
}

// ImageChannels converts the configured channels into catalogue entries.
func (cfg *Config) ImageChannels() []*image.Channel {
	out := make([]*image.Channel, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		typ := image.ChannelNabu
		if ch.Type == "pak" {
			typ = image.ChannelPak
		}
		out = append(out, &image.Channel{
			Number:          ch.Number,
			Name:            ch.Name,
			Type:            typ,
			Source:          ch.Source,
			DefaultFile:     ch.DefaultFile,
			ListURL:         ch.ListURL,
			RetroNetEnabled: ch.RetroNet,
			PakEncrypted:    ch.PakEncrypted,
		})
	}
	return out
}
