package config

import (
	"fmt"
	"math"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Server struct {
		Port           string   `env:"SERVER_PORT" envDefault:"5250" validate:"required,numeric"`
		AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`

		ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"10s" validate:"gt=0"`
	}

	// Per client IP limit on valuation requests
	RateLimit struct {
		Enabled           bool    `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
		RequestsPerSecond float64 `env:"RATE_LIMIT_RPS" envDefault:"5" validate:"gt=0"`
		Burst             int     `env:"RATE_LIMIT_BURST" envDefault:"10" validate:"gt=0"`

		// Clients idle this long lose their bucket
		IdleTTL time.Duration `env:"RATE_LIMIT_IDLE_TTL" envDefault:"10m" validate:"gt=0"`
	}

	Log struct {
		Level string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	}

	Database struct {
		Path string `env:"DATABASE_PATH" envDefault:"database/sales.db" validate:"required"`

		// Upper bound for a single sale record query
		QueryTimeout time.Duration `env:"SOURCE_QUERY_TIMEOUT" envDefault:"5s" validate:"gt=0"`
	}

	// Optional JSON file with county-wide fallback factors
	CountyDefaultsPath string `env:"COUNTY_DEFAULTS_PATH"`

	Cache struct {
		Enabled         bool          `env:"CACHE_ENABLED" envDefault:"true"`
		TTL             time.Duration `env:"CACHE_TTL" envDefault:"15m" validate:"gt=0"`
		JanitorInterval time.Duration `env:"CACHE_JANITOR_INTERVAL" envDefault:"1m" validate:"gte=0"`
	}

	Valuation ValuationConfig

	// BatchProcessing configuration
	BatchProcessing BatchProcessingConfig
}

type BatchProcessingConfig struct {
	// Maximum number of sale records per persisted batch
	MaxBatchSize int `env:"BATCH_MAX_SIZE" envDefault:"100" validate:"gt=0"`

	// Number of batches the import queue can buffer
	QueueSize int `env:"BATCH_QUEUE_SIZE" envDefault:"64" validate:"gt=0"`

	// Maximum number of retries for failed batches
	MaxRetries int `env:"BATCH_MAX_RETRIES" envDefault:"3" validate:"gte=0"`

	// Delay between retries
	RetryDelay time.Duration `env:"BATCH_RETRY_DELAY" envDefault:"5s" validate:"gte=0"`
}

// ValuationConfig holds the tunable policy of the comparable-sales engine.
type ValuationConfig struct {
	RadiusMiles       float64 `env:"VALUATION_RADIUS_MILES" envDefault:"1.0" validate:"gt=0"`
	MaxRadiusMiles    float64 `env:"VALUATION_MAX_RADIUS_MILES" envDefault:"5.0" validate:"gtefield=RadiusMiles"`
	RadiusWidenFactor float64 `env:"VALUATION_RADIUS_WIDEN_FACTOR" envDefault:"2.0" validate:"gt=1"`

	MaxAgeDays        int `env:"VALUATION_MAX_AGE_DAYS" envDefault:"365" validate:"gt=0"`
	WidenedMaxAgeDays int `env:"VALUATION_WIDENED_MAX_AGE_DAYS" envDefault:"730" validate:"gtefield=MaxAgeDays"`

	MinComps   int `env:"VALUATION_MIN_COMPS" envDefault:"3" validate:"gte=1"`
	TopK       int `env:"VALUATION_TOP_K" envDefault:"8" validate:"gtefield=MinComps,lte=50"`
	IdealComps int `env:"VALUATION_IDEAL_COMPS" envDefault:"6" validate:"gte=1"`

	// Trailing window used to derive market factors
	SegmentWindowMonths int `env:"VALUATION_SEGMENT_WINDOW_MONTHS" envDefault:"12" validate:"gte=1"`

	// Below this many sales the marginal factors fall back to county defaults
	MinSegmentSample int `env:"VALUATION_MIN_SEGMENT_SAMPLE" envDefault:"5" validate:"gte=2"`

	Weights    SimilarityWeights
	Confidence ConfidenceConfig
}

// SimilarityWeights must sum to 1.
type SimilarityWeights struct {
	Area         float64 `env:"SIMILARITY_WEIGHT_AREA" envDefault:"0.25" validate:"gte=0,lte=1"`
	Bedrooms     float64 `env:"SIMILARITY_WEIGHT_BEDROOMS" envDefault:"0.10" validate:"gte=0,lte=1"`
	Bathrooms    float64 `env:"SIMILARITY_WEIGHT_BATHROOMS" envDefault:"0.10" validate:"gte=0,lte=1"`
	Age          float64 `env:"SIMILARITY_WEIGHT_AGE" envDefault:"0.15" validate:"gte=0,lte=1"`
	Lot          float64 `env:"SIMILARITY_WEIGHT_LOT" envDefault:"0.10" validate:"gte=0,lte=1"`
	PropertyType float64 `env:"SIMILARITY_WEIGHT_PROPERTY_TYPE" envDefault:"0.10" validate:"gte=0,lte=1"`
	Distance     float64 `env:"SIMILARITY_WEIGHT_DISTANCE" envDefault:"0.20" validate:"gte=0,lte=1"`
}

func (w SimilarityWeights) Sum() float64 {
	return w.Area + w.Bedrooms + w.Bathrooms + w.Age + w.Lot + w.PropertyType + w.Distance
}

type ConfidenceConfig struct {
	// Half-width of the range in standard deviations of adjusted prices
	RangeStdDevs float64 `env:"CONFIDENCE_RANGE_STDDEVS" envDefault:"1.0" validate:"gt=0"`
	MinBandPct   float64 `env:"CONFIDENCE_MIN_BAND_PCT" envDefault:"0.03" validate:"gte=0,lt=1"`
	MinBandAbs   int64   `env:"CONFIDENCE_MIN_BAND_ABS" envDefault:"10000" validate:"gte=0"`

	MissingCompPenalty     float64 `env:"CONFIDENCE_MISSING_COMP_PENALTY" envDefault:"8" validate:"gte=0"`
	DistancePenaltyPerMile float64 `env:"CONFIDENCE_DISTANCE_PENALTY_PER_MILE" envDefault:"10" validate:"gte=0"`
	MaxDistancePenalty     float64 `env:"CONFIDENCE_MAX_DISTANCE_PENALTY" envDefault:"25" validate:"gte=0"`
	DispersionPenaltyScale float64 `env:"CONFIDENCE_DISPERSION_PENALTY_SCALE" envDefault:"150" validate:"gte=0"`
	MaxDispersionPenalty   float64 `env:"CONFIDENCE_MAX_DISPERSION_PENALTY" envDefault:"40" validate:"gte=0"`
	SparseSamplePenalty    float64 `env:"CONFIDENCE_SPARSE_SAMPLE_PENALTY" envDefault:"15" validate:"gte=0"`
	SampleTarget           int     `env:"CONFIDENCE_SAMPLE_TARGET" envDefault:"20" validate:"gt=0"`
}

const weightTolerance = 1e-6

// LoadConfig reads an optional .env file and the process environment.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns the configuration obtained from envDefault tags alone.
func DefaultConfig() *Config {
	cfg := &Config{}
	if err := env.Parse(cfg, env.Options{Environment: map[string]string{}}); err != nil {
		panic(fmt.Sprintf("invalid default configuration: %v", err))
	}
	return cfg
}

// DefaultValuationConfig is shorthand for DefaultConfig().Valuation.
func DefaultValuationConfig() ValuationConfig {
	return DefaultConfig().Valuation
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return c.Valuation.Validate()
}

func (v ValuationConfig) Validate() error {
	if err := validator.New().Struct(v); err != nil {
		return fmt.Errorf("invalid valuation policy: %w", err)
	}
	if sum := v.Weights.Sum(); math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("invalid valuation policy: similarity weights sum to %.4f, want 1", sum)
	}
	return nil
}
