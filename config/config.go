// Package config loads the robot's YAML configuration file, following the teacher's
// viper-then-yaml.v3 two-stage load (reinforcement.FromYaml): viper reads and locates
// the file, then the raw bytes are re-marshaled through yaml.v3 into the concrete typed
// struct. The schema (wheels, simulation, intercom, genetics) is fixed by §6 and is
// decoded directly, with no envelope indirection and no training hyperparameter block.
package config

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/dmu1981/botfabric/vec2"
)

// Wheel is one entry of the wheels[] config array.
type Wheel struct {
	Name     string   `yaml:"name"`
	GPIOPins []int    `yaml:"gpiopins"`
	Pivot    vec2.V   `yaml:"pivot"`
	Forward  vec2.V   `yaml:"forward"`
}

// Simulation is the simulator connection block.
type Simulation struct {
	URL  string `yaml:"url"`
	Port int    `yaml:"port"`
}

// Intercom is the master/slave peer-link block.
type Intercom struct {
	Master bool `yaml:"master"`
	Port   int  `yaml:"port"`
}

// Genetics is the gene pool connection block.
type Genetics struct {
	Pool string `yaml:"pool"`
}

// Config is the root of config.yaml (§6).
type Config struct {
	Wheels     []Wheel    `yaml:"wheels"`
	Simulation Simulation `yaml:"simulation"`
	Intercom   Intercom   `yaml:"intercom"`
	Genetics   Genetics   `yaml:"genetics"`
}

// Load reads and parses the YAML file at path.
func Load(path string) (*Config, error) {
	vp := viper.New()
	vp.SetConfigFile(path)
	vp.SetConfigType("yaml")
	vp.AddConfigPath(filepath.Dir(path))

	if err := vp.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Re-marshal through yaml.v3 rather than relying on viper's own Unmarshal/
	// mapstructure tags, so the config struct's tags stay plain `yaml:"..."` the way
	// the rest of the codebase's wire types are tagged.
	raw := vp.AllSettings()
	encoded, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("re-encode config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(encoded, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	return cfg, nil
}

// ActuatorEndpoint returns the simulator path a wheel's speed POSTs target (§4.B).
func (w Wheel) ActuatorEndpoint() string {
	return "/wheel/" + w.Name
}
