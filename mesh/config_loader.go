package mesh

import (
	"math/rand"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Registration: RegistrationConfig{
			SamplesPerIteration: 400,
			MaxIterations:       400,
			Epsilon:             1e-8,
			Estimator:           "direct",
			Matcher:             "linear",
			QueueSize:           16,
		},
		MQTT: MQTTConfig{
			FrameTopic:    "cloudmesh/frames",
			PublishPrefix: "cloudmesh",
		},
		HTTP: HTTPConfig{Port: 8080},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Depth: DepthConfig{
			Width:       640,
			Height:      480,
			MinFraction: 0.1,
			MaxFraction: 0.9,
		},
	}
}

// LoadConfig loads the configuration from a YAML file. Keys missing from the
// file keep their DefaultConfig values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Errorf("config file not found: %s", path)
		}
		return nil, errors.Wrap(err, "reading config file")
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.Wrap(err, "parsing config YAML")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "marshaling config YAML")
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "writing config file")
	}

	return nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var err error
	r := c.Registration
	if r.SamplesPerIteration <= 0 {
		err = multierr.Append(err, errors.New("registration.samples_per_iteration must be positive"))
	}
	if r.MaxIterations <= 0 {
		err = multierr.Append(err, errors.New("registration.max_iterations must be positive"))
	}
	if r.Epsilon <= 0 {
		err = multierr.Append(err, errors.New("registration.epsilon must be positive"))
	}
	if _, ok := EstimatorByName(r.Estimator); !ok {
		err = multierr.Append(err, errors.Errorf("registration.estimator %q is not one of direct, kabsch", r.Estimator))
	}
	if _, ok := MatcherByName(r.Matcher); !ok {
		err = multierr.Append(err, errors.Errorf("registration.matcher %q is not one of linear, kdtree", r.Matcher))
	}
	if r.QueueSize < 0 {
		err = multierr.Append(err, errors.New("registration.queue_size must not be negative"))
	}
	if c.MQTT.Broker != "" && c.MQTT.FrameTopic == "" && c.MQTT.DepthTopic == "" {
		err = multierr.Append(err, errors.New("mqtt.frameTopic or mqtt.depthTopic is required when a broker is set"))
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		err = multierr.Append(err, errors.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	if c.MQTT.DepthTopic != "" {
		d := c.Depth
		if d.Width <= 0 || d.Height <= 0 {
			err = multierr.Append(err, errors.New("depth.width and depth.height must be positive"))
		}
		if d.MinFraction < 0 || d.MaxFraction > 1 || d.MinFraction >= d.MaxFraction {
			err = multierr.Append(err, errors.New("depth fractions must satisfy 0 <= min_fraction < max_fraction <= 1"))
		}
	}
	return err
}

// ICPConfig converts the registration section into an ICPConfig.
func (r RegistrationConfig) ICPConfig() (ICPConfig, error) {
	est, ok := EstimatorByName(r.Estimator)
	if !ok {
		return ICPConfig{}, errors.Errorf("unknown estimator %q", r.Estimator)
	}
	matcher, ok := MatcherByName(r.Matcher)
	if !ok {
		return ICPConfig{}, errors.Errorf("unknown matcher %q", r.Matcher)
	}
	seed := r.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return ICPConfig{
		SamplesPerIteration: r.SamplesPerIteration,
		MaxIterations:       r.MaxIterations,
		Epsilon:             r.Epsilon,
		AccumulateCost:      r.AccumulateCost,
		Estimator:           est,
		NewMatcher:          matcher,
		RNG:                 rand.New(rand.NewSource(seed)),
	}, nil
}
