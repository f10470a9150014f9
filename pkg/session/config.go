package session

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/arkit/pkg/engine"
)

const (
	// DefaultConfidenceThreshold is the pose confidence required to track.
	DefaultConfidenceThreshold = 0.6

	// DefaultLossTimeout is how long Tracking survives without a pose.
	DefaultLossTimeout = 500 * time.Millisecond
)

// Config configures a Controller.
type Config struct {
	// ConfidenceThreshold is the minimum pose confidence for Tracking.
	ConfidenceThreshold float64 `yaml:"confidence_threshold" json:"confidence_threshold" env:"CONFIDENCE_THRESHOLD" validate:"gt=0,lte=1"`

	// LossTimeout moves Tracking to Lost when no pose arrives for this long.
	LossTimeout time.Duration `yaml:"loss_timeout" json:"loss_timeout" env:"LOSS_TIMEOUT" validate:"gt=0"`

	// ContainerID names the host container backdrop elements are injected into.
	ContainerID string `yaml:"container_id" json:"container_id" env:"CONTAINER_ID"`

	// Backdrop lists the decorative elements injected on Start.
	Backdrop []string `yaml:"backdrop" json:"backdrop" env:"BACKDROP" envSeparator:","`
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: DefaultConfidenceThreshold,
		LossTimeout:         DefaultLossTimeout,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return engine.NewInvalidConfigError("invalid session config", err)
	}
	return nil
}
