package config

import (
	"os"
	"path/filepath"
	"time"

	"codeberg.org/mutker/vitalsd/internal/errors"
	"codeberg.org/mutker/vitalsd/internal/vital"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	ConfigName = "vitalsd"
	EnvPrefix  = "VITALSD"

	DefaultHistoryDB = "/var/lib/vitalsd/history.db"
	DefaultPIDFile   = "/run/vitalsd.pid"
	DefaultMount     = "/"
	DefaultMinTemp   = 30.0
	DefaultMaxTemp   = 90.0
	DefaultCardScan  = 8
)

// DefaultIntervals are the per-vital polling intervals.
var DefaultIntervals = map[vital.Type]time.Duration{
	vital.Processor: 1000 * time.Millisecond,
	vital.Memory:    2000 * time.Millisecond,
	vital.Storage:   10000 * time.Millisecond,
	vital.Thermal:   2000 * time.Millisecond,
	vital.Graphics:  2000 * time.Millisecond,
}

// Config holds the settings fixed for the lifetime of the process.
// Per-vital intervals and visibility live in Store.
type Config struct {
	ConfigFile string
	Debug      bool
	Verbose    bool
	Once       bool
	History    bool
	HistoryDB  string
	Textfile   string
	Mount      string
	MinTemp    float64
	MaxTemp    float64
	NVML       bool
	CardScan   int
	PIDFile    string
}

// Flags returns the command line flags understood by Load.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet(ConfigName, pflag.ContinueOnError)
	fs.String("config", "", "Path to config file")
	fs.Bool("debug", false, "Enable debugging mode")
	fs.Bool("verbose", false, "Enable verbose logging")
	fs.Bool("once", false, "Probe every vital once and exit")
	fs.Bool("history", false, "Record samples to the history database")
	fs.String("history-db", DefaultHistoryDB, "Path to the history database")
	fs.String("textfile", "", "Write Prometheus metrics to this file")
	fs.String("mount", DefaultMount, "Mount point reported as storage usage")
	fs.Float64("min-temp", DefaultMinTemp, "Temperature reported as 0%")
	fs.Float64("max-temp", DefaultMaxTemp, "Temperature reported as 100%")
	fs.Bool("nvml", false, "Try NVML before the GPU command line tools")
	fs.String("pid-file", DefaultPIDFile, "Path to the PID file")
	return fs
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	for vt, d := range DefaultIntervals {
		v.SetDefault(vt.IntervalKey(), d.Milliseconds())
		v.SetDefault(vt.VisibleKey(), true)
	}
	v.SetDefault("history-db", DefaultHistoryDB)
	v.SetDefault("mount", DefaultMount)
	v.SetDefault("min-temp", DefaultMinTemp)
	v.SetDefault("max-temp", DefaultMaxTemp)
	v.SetDefault("card-scan", DefaultCardScan)
	v.SetDefault("pid-file", DefaultPIDFile)
}

// Load reads the config file, environment and flags, in increasing order
// of precedence. The returned viper instance backs the live Store.
func Load(flags *pflag.FlagSet) (*Config, *viper.Viper, error) {
	errFactory := errors.New()
	v := viper.New()
	SetDefaults(v)

	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(ConfigName)
		v.AddConfigPath(filepath.Join("/etc", ConfigName))
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, ConfigName))
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	cfg := &Config{
		ConfigFile: v.ConfigFileUsed(),
		Debug:      v.GetBool("debug"),
		Verbose:    v.GetBool("verbose"),
		Once:       v.GetBool("once"),
		History:    v.GetBool("history"),
		HistoryDB:  v.GetString("history-db"),
		Textfile:   v.GetString("textfile"),
		Mount:      v.GetString("mount"),
		MinTemp:    v.GetFloat64("min-temp"),
		MaxTemp:    v.GetFloat64("max-temp"),
		NVML:       v.GetBool("nvml"),
		CardScan:   v.GetInt("card-scan"),
		PIDFile:    v.GetString("pid-file"),
	}

	if err := Validate(cfg, v); err != nil {
		return nil, nil, err
	}

	return cfg, v, nil
}

// Validate checks the static settings and every per-vital interval.
func Validate(cfg *Config, v *viper.Viper) error {
	errFactory := errors.New()

	if cfg.MinTemp >= cfg.MaxTemp {
		return errFactory.WithData(errors.ErrInvalidRange, "min-temp must be below max-temp")
	}
	if cfg.CardScan <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "card-scan must be positive")
	}

	for _, vt := range vital.All() {
		if _, err := parseInterval(vt.IntervalKey(), v.Get(vt.IntervalKey())); err != nil {
			return err
		}
	}

	return nil
}
