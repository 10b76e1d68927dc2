package mesh

// Config is the service configuration loaded from YAML.
type Config struct {
	Registration RegistrationConfig `yaml:"registration" json:"registration"`
	MQTT         MQTTConfig         `yaml:"mqtt" json:"mqtt"`
	HTTP         HTTPConfig         `yaml:"http" json:"http"`
	Logging      LoggingConfig      `yaml:"logging" json:"logging"`
	Depth        DepthConfig        `yaml:"depth" json:"depth"`
}

// RegistrationConfig holds the ICP tunables.
type RegistrationConfig struct {
	SamplesPerIteration int     `yaml:"samples_per_iteration" json:"samplesPerIteration"`
	MaxIterations       int     `yaml:"max_iterations" json:"maxIterations"`
	Epsilon             float64 `yaml:"epsilon" json:"epsilon"`
	AccumulateCost      bool    `yaml:"accumulate_cost" json:"accumulateCost"`

	// Estimator is "direct" or "kabsch"; Matcher is "linear" or "kdtree".
	Estimator string `yaml:"estimator" json:"estimator"`
	Matcher   string `yaml:"matcher" json:"matcher"`

	// Seed fixes the sampling RNG. Zero seeds from the clock.
	Seed      int64 `yaml:"seed,omitempty" json:"seed,omitempty"`
	QueueSize int   `yaml:"queue_size" json:"queueSize"`
}

// MQTTConfig holds MQTT broker connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	FrameTopic    string `yaml:"frameTopic" json:"frameTopic"`                     // JSON point frames
	DepthTopic    string `yaml:"depthTopic,omitempty" json:"depthTopic,omitempty"` // raw 16-bit depth images
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"-"`
}

// HTTPConfig holds the HTTP server settings.
type HTTPConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	Port    int  `yaml:"port" json:"port"`
}

// LoggingConfig selects level and destination. An empty File logs to stderr.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`
	File       string `yaml:"file,omitempty" json:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty" json:"maxSizeMB,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty" json:"maxBackups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty" json:"maxAgeDays,omitempty"`
}

// DepthConfig describes raw depth images arriving on MQTTConfig.DepthTopic.
// Pixels whose depth, as a fraction of the frame maximum, lies strictly
// between MinFraction and MaxFraction become points.
type DepthConfig struct {
	Width       int     `yaml:"width" json:"width"`
	Height      int     `yaml:"height" json:"height"`
	MinFraction float64 `yaml:"min_fraction" json:"minFraction"`
	MaxFraction float64 `yaml:"max_fraction" json:"maxFraction"`
}

// Frame is the JSON frame payload: a list of [x, y, z] triples.
type Frame struct {
	Points [][3]float64 `json:"points"`
}
