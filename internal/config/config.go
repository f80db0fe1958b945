package config

import (
	"encoding/xml"
	"fmt"
	"os"
)

// DefaultPath is used when no -c/--config flag is given.
const DefaultPath = "config.xml"

// Config holds all daemon configuration, loaded from the XML bots document.
type Config struct {
	XMLName xml.Name `xml:"bots"`

	// Chess server address and BOSH port.
	Server string `xml:"server,attr"`
	Port   int    `xml:"port,attr"`

	// Log file path, optional. Messages always go to stdout as well.
	LogFile string `xml:"log,attr"`

	Bots []Bot `xml:"bot"`
}

// Bot describes one bot account and the engine it plays with.
type Bot struct {
	Username   string `xml:"username,attr"`
	Password   string `xml:"password,attr"`
	EnginePath string `xml:"enginepath,attr"`

	// Opponent to challenge automatically; empty means never offer matches.
	Opponent string `xml:"opponent,attr"`
}

// Load reads and parses the configuration document at path.
func Load(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := xml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks that the mandatory fields are present.
func (c Config) Validate() error {
	if c.Server == "" {
		return fmt.Errorf("missing server configuration")
	}
	if c.Port <= 0 {
		return fmt.Errorf("missing port configuration")
	}
	for i, b := range c.Bots {
		if b.Username == "" {
			return fmt.Errorf("bot %d: missing username", i)
		}
		if b.EnginePath == "" {
			return fmt.Errorf("bot %s: missing enginepath", b.Username)
		}
	}
	return nil
}
