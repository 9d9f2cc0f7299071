package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// RegimesConfig maps regime names to their intraday windows and the
// parameter overrides active inside each window.
type RegimesConfig struct {
	Regimes map[string]RegimeWindow `yaml:"time_regimes"`
}

// RegimeWindow describes one intraday phase. Start is inclusive, End
// exclusive, both "HH:MM" in the exchange time zone.
type RegimeWindow struct {
	Start         string  `yaml:"start"`
	End           string  `yaml:"end"`
	SLMultiplier  float64 `yaml:"sl_multiplier"`  // scales risk.sl_pct
	TPMultiplier  float64 `yaml:"tp_multiplier"`  // scales risk.tp_pct
	AllowEntries  bool    `yaml:"allow_entries"`  // new positions admitted
	AllowTrailing bool    `yaml:"allow_trailing"` // trailing SL active
	AllowRunners  bool    `yaml:"allow_runners"`  // positions may ride past TP
	MinADX        float64 `yaml:"min_adx"`        // entry trend-strength floor, 0 = off
	MaxTPRupees   float64 `yaml:"max_tp_rupees"`  // rupee cap on TP, 0 = uncapped
}

// RegimeNames in chronological order of their default windows.
var RegimeNames = []string{
	"pre_market",
	"open_expansion",
	"trend_continuation",
	"chop_decay",
	"close_gamma",
	"post_market",
}

// LoadRegimesConfig loads the time-regime configuration from file.
func LoadRegimesConfig(configPath string) (*RegimesConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read regimes config: %w", err)
	}

	var config RegimesConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse regimes YAML: %w", err)
	}

	return &config, nil
}

// SaveRegimesConfig saves the time-regime configuration to file.
func SaveRegimesConfig(config *RegimesConfig, configPath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal regimes config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write regimes config: %w", err)
	}

	return nil
}

// Window returns the configured window for a regime name.
func (rc *RegimesConfig) Window(name string) (*RegimeWindow, error) {
	w, exists := rc.Regimes[name]
	if !exists {
		return nil, fmt.Errorf("regime '%s' not configured", name)
	}
	return &w, nil
}

// Validate checks the regime set for completeness and window sanity.
func (rc *RegimesConfig) Validate() []string {
	var errors []string

	for _, name := range RegimeNames {
		w, exists := rc.Regimes[name]
		if !exists {
			errors = append(errors, fmt.Sprintf("Missing regime configuration: %s", name))
			continue
		}

		start, err := ParseHHMM(w.Start)
		if err != nil {
			errors = append(errors, fmt.Sprintf("Regime %s: bad start time %q: %v", name, w.Start, err))
			continue
		}
		end, err := ParseHHMM(w.End)
		if err != nil {
			errors = append(errors, fmt.Sprintf("Regime %s: bad end time %q: %v", name, w.End, err))
			continue
		}
		if start >= end {
			errors = append(errors, fmt.Sprintf("Regime %s: start %s not before end %s", name, w.Start, w.End))
		}

		if w.SLMultiplier <= 0 || w.SLMultiplier > 3.0 {
			errors = append(errors, fmt.Sprintf("Regime %s: sl_multiplier %.2f outside (0, 3.0] range", name, w.SLMultiplier))
		}
		if w.TPMultiplier <= 0 || w.TPMultiplier > 3.0 {
			errors = append(errors, fmt.Sprintf("Regime %s: tp_multiplier %.2f outside (0, 3.0] range", name, w.TPMultiplier))
		}
		if w.MinADX < 0 || w.MinADX > 100 {
			errors = append(errors, fmt.Sprintf("Regime %s: min_adx %.1f outside [0, 100] range", name, w.MinADX))
		}
		if w.MaxTPRupees < 0 {
			errors = append(errors, fmt.Sprintf("Regime %s: max_tp_rupees %.0f is negative", name, w.MaxTPRupees))
		}
	}

	// Windows must tile the day without overlap so classification is
	// unambiguous at any minute.
	for i := 0; i < len(RegimeNames)-1; i++ {
		cur, okCur := rc.Regimes[RegimeNames[i]]
		next, okNext := rc.Regimes[RegimeNames[i+1]]
		if !okCur || !okNext {
			continue
		}
		if cur.End != next.Start {
			errors = append(errors, fmt.Sprintf("Regime %s ends at %s but %s starts at %s", RegimeNames[i], cur.End, RegimeNames[i+1], next.Start))
		}
	}

	return errors
}

// DefaultRegimesConfig returns the baseline NSE intraday phases.
func DefaultRegimesConfig() *RegimesConfig {
	return &RegimesConfig{
		Regimes: map[string]RegimeWindow{
			"pre_market": {
				Start: "00:00", End: "09:15",
				SLMultiplier: 1.0, TPMultiplier: 1.0,
				AllowEntries: false, AllowTrailing: false, AllowRunners: false,
			},
			"open_expansion": {
				Start: "09:15", End: "10:30",
				SLMultiplier: 1.3, TPMultiplier: 1.2,
				AllowEntries: true, AllowTrailing: true, AllowRunners: true,
				MinADX: 18,
			},
			"trend_continuation": {
				Start: "10:30", End: "13:30",
				SLMultiplier: 1.0, TPMultiplier: 1.0,
				AllowEntries: true, AllowTrailing: true, AllowRunners: true,
				MinADX: 20,
			},
			"chop_decay": {
				Start: "13:30", End: "14:45",
				SLMultiplier: 0.8, TPMultiplier: 0.7,
				AllowEntries: true, AllowTrailing: true, AllowRunners: false,
				MinADX: 25, MaxTPRupees: 3000,
			},
			"close_gamma": {
				Start: "14:45", End: "15:30",
				SLMultiplier: 0.7, TPMultiplier: 0.6,
				AllowEntries: false, AllowTrailing: true, AllowRunners: false,
				MaxTPRupees: 2000,
			},
			"post_market": {
				Start: "15:30", End: "24:00",
				SLMultiplier: 1.0, TPMultiplier: 1.0,
				AllowEntries: false, AllowTrailing: false, AllowRunners: false,
			},
		},
	}
}

// GetRegimesConfigPath returns the default path for the regimes file.
func GetRegimesConfigPath() string {
	return filepath.Join("config", "regimes.yaml")
}

// ParseHHMM converts an "HH:MM" string into minutes since midnight.
// "24:00" is accepted as the exclusive end-of-day bound (1440).
func ParseHHMM(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("bad hour in %q: %w", s, err)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("bad minute in %q: %w", s, err)
	}
	if h == 24 && m == 0 {
		return 24 * 60, nil
	}
	if h < 0 || h > 23 {
		return 0, fmt.Errorf("hour %d out of range in %q", h, s)
	}
	if m < 0 || m > 59 {
		return 0, fmt.Errorf("minute %d out of range in %q", m, s)
	}
	return h*60 + m, nil
}
