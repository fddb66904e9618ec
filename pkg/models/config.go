package models

import (
	"fmt"
	"math"
	"runtime"
)

// sigmaSumTolerance bounds the accepted drift of sum(sigma_proportions)
// from 1.0 before the configuration is rejected.
const sigmaSumTolerance = 1e-6

// JobConfig holds every option recognized by a pipeline run. It arrives as
// the JSON body of a run submission; zero values fall back to the defaults
// applied by ApplyDefaults.
type JobConfig struct {
	// Input / output locations.
	SensitiveMicrodataPath      string `json:"sensitive_microdata_path"`
	SensitiveMicrodataDelimiter string `json:"sensitive_microdata_delimiter"`
	SyntheticMicrodataPath      string `json:"synthetic_microdata_path"`
	SensitiveAggregatesPath     string `json:"sensitive_aggregates_path"`
	ReportableAggregatesPath    string `json:"reportable_aggregates_path"`
	OutputDir                   string `json:"output_dir"`
	Prefix                      string `json:"prefix"`

	// Column handling.
	UseColumns        []string          `json:"use_columns"`
	SensitiveZeros    []string          `json:"sensitive_zeros"`
	MultiValueColumns map[string]string `json:"multi_value_columns"`
	SubjectID         string            `json:"subject_id"`
	EventColumn       string            `json:"event_column"`
	RecordLimit       int               `json:"record_limit"`

	// Aggregation and k-anonymity.
	ReportingLength     int `json:"reporting_length"`
	ReportingResolution int `json:"reporting_resolution"`

	// Differential privacy.
	DPAggregates                bool          `json:"dp_aggregates"`
	NoiseEpsilon                float64       `json:"noise_epsilon"`
	NoiseDelta                  float64       `json:"noise_delta"`
	PercentilePercentage        float64       `json:"percentile_percentage"`
	PercentileEpsilonProportion float64       `json:"percentile_epsilon_proportion"`
	SigmaProportions            []float64     `json:"sigma_proportions"`
	NoiseThresholdType          ThresholdType `json:"noise_threshold_type"`
	NoiseThresholdValues        []float64     `json:"noise_threshold_values"`

	// Synthesis.
	SynthesisMode      SynthesisMode `json:"synthesis_mode"`
	OversamplingRatio  float64       `json:"oversampling_ratio"`
	OversamplingTries  int           `json:"oversampling_tries"`
	UseSyntheticCounts bool          `json:"use_synthetic_counts"`

	// Resources.
	CacheMaxSize   int     `json:"cache_max_size"`
	MemoryLimitPct float64 `json:"memory_limit_pct"`
	ParallelJobs   int     `json:"parallel_jobs"`
	RandomSeed     int64   `json:"random_seed"`
}

// ApplyDefaults fills unset options with working defaults. It never
// overrides an explicitly provided value.
func (c *JobConfig) ApplyDefaults() {
	if c.SensitiveMicrodataDelimiter == "" {
		c.SensitiveMicrodataDelimiter = "\t"
	}
	if c.ReportingLength == 0 {
		c.ReportingLength = -1
	}
	if c.ReportingResolution == 0 {
		c.ReportingResolution = 10
	}
	if c.SynthesisMode == "" {
		c.SynthesisMode = ModeRowSeeded
	}
	if c.NoiseThresholdType == "" {
		c.NoiseThresholdType = ThresholdFixed
	}
	if c.CacheMaxSize == 0 {
		c.CacheMaxSize = 100_000
	}
	if c.MemoryLimitPct == 0 {
		c.MemoryLimitPct = 80
	}
	if c.ParallelJobs <= 0 {
		c.ParallelJobs = runtime.NumCPU()
	}
	if c.OversamplingTries == 0 {
		c.OversamplingTries = 10
	}
}

// Validate rejects configurations the pipeline cannot honor. All failures
// wrap ErrConfigInvalid and are fatal before any work starts.
func (c *JobConfig) Validate() error {
	switch c.SynthesisMode {
	case ModeUnseeded, ModeRowSeeded, ModeValueSeeded, ModeAggregateSeeded:
	default:
		return fmt.Errorf("%w: unknown synthesis mode %q", ErrConfigInvalid, c.SynthesisMode)
	}

	if c.ReportingResolution < 1 {
		return fmt.Errorf("%w: reporting_resolution must be >= 1, got %d", ErrConfigInvalid, c.ReportingResolution)
	}

	if c.DPAggregates {
		if c.NoiseEpsilon <= 0 {
			return fmt.Errorf("%w: dp_aggregates requires noise_epsilon > 0", ErrConfigInvalid)
		}
		if c.NoiseDelta <= 0 || c.NoiseDelta >= 1 {
			return fmt.Errorf("%w: dp_aggregates requires noise_delta in (0,1)", ErrConfigInvalid)
		}
		if c.PercentilePercentage <= 0 || c.PercentilePercentage > 100 {
			return fmt.Errorf("%w: percentile_percentage must be in (0,100]", ErrConfigInvalid)
		}
		if c.PercentileEpsilonProportion <= 0 || c.PercentileEpsilonProportion >= 1 {
			return fmt.Errorf("%w: percentile_epsilon_proportion must be in (0,1)", ErrConfigInvalid)
		}
		if len(c.SigmaProportions) > 0 {
			var sum float64
			for _, s := range c.SigmaProportions {
				if s <= 0 {
					return fmt.Errorf("%w: sigma_proportions must be positive", ErrConfigInvalid)
				}
				sum += s
			}
			if math.Abs(sum-1.0) > sigmaSumTolerance {
				return fmt.Errorf("%w: sigma_proportions sum to %v, expected 1", ErrConfigInvalid, sum)
			}
		}
		switch c.NoiseThresholdType {
		case ThresholdFixed, ThresholdAdaptive:
		default:
			return fmt.Errorf("%w: unknown noise_threshold_type %q", ErrConfigInvalid, c.NoiseThresholdType)
		}
	}

	if c.OversamplingRatio < 0 {
		return fmt.Errorf("%w: oversampling_ratio must be >= 0", ErrConfigInvalid)
	}
	if c.MemoryLimitPct <= 0 || c.MemoryLimitPct > 100 {
		return fmt.Errorf("%w: memory_limit_pct must be in (0,100]", ErrConfigInvalid)
	}
	return nil
}
