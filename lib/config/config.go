// Package config provides helper functionality to read the monitor configuration from a JSON or YAML config file,
// a .env file and OS ENV variables.
// The default configuration is overridden first by:
//
// - a valid config file (see cmd/conf.json for a sample) and then by
//
// - OS ENV variables, using the same names as the .env file (ie. RPC_ENDPOINT, CHECK_INTERVAL, SOL_THRESHOLD,
// TOP_UP_AMOUNT, MASTER_SECRET_KEY, ...). CHECK_INTERVAL is given in milliseconds, the other durations accept Go
// duration strings (ie. RATE_LIMIT_BACKOFF=2s).
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/kaanhar/auto-topup-burner-wallets/lib/block/types"
)

// Default configuration values.
const (
	NetworkDefault          = "solana"
	RPCEndpointDefault      = "https://api.mainnet-beta.solana.com"
	CheckIntervalDefault    = 60000 // ms
	ThresholdDefault        = "0.01"
	TopUpAmountDefault      = "0.02"
	FeeReserveDefault       = "0.01"
	WalletsPathDefault      = "wallets.json"
	LogDirDefault           = "logs"
	LogLevelDefault         = "info"
	StoreTypeDefault        = "file"
	GuardTypeDefault        = "memory"
	RateLimitBackoffDefault = 2 * time.Second
	TopUpPauseDefault       = 1 * time.Second
	ReadRateDefault         = 10 // balance reads per second
	ConfirmTimeoutDefault   = 60 * time.Second
	MasterReportDefault     = "@hourly"
	MetricsAddrDefault      = ":9100"
)

// envKeys maps config keys to the OS ENV variables that override them.
var envKeys = map[string]string{ //nolint:gochecknoglobals // static table
	"network":            "NETWORK",
	"rpc_endpoint":       "RPC_ENDPOINT",
	"ws_endpoint":        "WS_ENDPOINT",
	"master_secret_key":  "MASTER_SECRET_KEY",
	"check_interval":     "CHECK_INTERVAL",
	"sol_threshold":      "SOL_THRESHOLD",
	"top_up_amount":      "TOP_UP_AMOUNT",
	"fee_reserve":        "FEE_RESERVE",
	"wallets_path":       "WALLETS_PATH",
	"log_dir":            "LOG_DIR",
	"log_level":          "LOG_LEVEL",
	"registry_type":      "REGISTRY_TYPE",
	"audit_type":         "AUDIT_TYPE",
	"audit_path":         "AUDIT_PATH",
	"db_conn":            "DB_CONN",
	"mb_type":            "MB_TYPE",
	"mb_conn":            "MB_CONN",
	"guard_type":         "GUARD_TYPE",
	"redis_url":          "REDIS_URL",
	"rate_limit_backoff": "RATE_LIMIT_BACKOFF",
	"top_up_pause":       "TOP_UP_PAUSE",
	"read_rate":          "RPC_READ_RATE",
	"confirm_timeout":    "CONFIRM_TIMEOUT",
	"master_report_cron": "MASTER_REPORT_CRON",
	"metrics_addr":       "METRICS_ADDR",
}

// BlockConfig defines the required fields for the blockchain/network connection. Node contains the RPC url,
// WSNode the websocket url used for account subscriptions (derived from Node when empty) and Secret the base58
// encoded secret key of the master funding account.
type BlockConfig struct {
	Name           string
	Node           string
	WSNode         string
	Secret         string
	ConfirmTimeout time.Duration
}

// ServiceConfig contains the fields required by the monitor service.
type ServiceConfig struct {
	Bc BlockConfig

	CheckInterval    time.Duration
	Threshold        decimal.Decimal
	TopUpAmount      decimal.Decimal
	FeeReserve       decimal.Decimal
	RateLimitBackoff time.Duration
	TopUpPause       time.Duration
	ReadRate         float64 // balance reads per second in a polling cycle, negative for no limit

	WalletsPath  string
	LogDir       string
	LogLevel     string
	RegistryType string
	AuditType    string
	AuditPath    string
	DBConn       string
	MbType       string
	MbConn       string
	GuardType    string
	RedisURL     string

	MasterReportCron string
	MetricsAddr      string
}

// Errors returned by Validate.
var (
	ErrNoSecret  = errors.New("MASTER_SECRET_KEY is required")
	ErrNoNode    = errors.New("RPC_ENDPOINT is required")
	ErrAmount    = errors.New("TOP_UP_AMOUNT must be positive and, with FEE_RESERVE, fit in lamports")
	ErrThreshold = errors.New("SOL_THRESHOLD must be positive")
	ErrReserve   = errors.New("FEE_RESERVE cannot be negative")
	ErrInterval  = errors.New("CHECK_INTERVAL must be positive")
)

// ExtractConfiguration reads from the given config filename (optional), a .env file in the working directory (if
// any) and the OS ENV and returns the ServiceConfig or an error otherwise. The configuration is not validated.
func ExtractConfiguration(filename string) (ServiceConfig, error) {
	// a missing .env file is fine
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if filename != "" {
		v.SetConfigFile(filename)

		if err := v.ReadInConfig(); err != nil {
			return ServiceConfig{}, fmt.Errorf("config: cannot read %s: %w", filename, err)
		}
	}

	for key, env := range envKeys {
		if err := v.BindEnv(key, env); err != nil {
			return ServiceConfig{}, fmt.Errorf("config: bind %s: %w", env, err)
		}
	}

	conf := ServiceConfig{
		Bc: BlockConfig{
			Name:           v.GetString("network"),
			Node:           v.GetString("rpc_endpoint"),
			WSNode:         v.GetString("ws_endpoint"),
			Secret:         strings.TrimSpace(v.GetString("master_secret_key")),
			ConfirmTimeout: v.GetDuration("confirm_timeout"),
		},
		CheckInterval:    time.Duration(v.GetInt64("check_interval")) * time.Millisecond,
		RateLimitBackoff: v.GetDuration("rate_limit_backoff"),
		TopUpPause:       v.GetDuration("top_up_pause"),
		ReadRate:         v.GetFloat64("read_rate"),
		WalletsPath:      v.GetString("wallets_path"),
		LogDir:           v.GetString("log_dir"),
		LogLevel:         strings.ToLower(v.GetString("log_level")),
		RegistryType:     v.GetString("registry_type"),
		AuditType:        v.GetString("audit_type"),
		AuditPath:        v.GetString("audit_path"),
		DBConn:           v.GetString("db_conn"),
		MbType:           v.GetString("mb_type"),
		MbConn:           v.GetString("mb_conn"),
		GuardType:        v.GetString("guard_type"),
		RedisURL:         v.GetString("redis_url"),
		MasterReportCron: v.GetString("master_report_cron"),
		MetricsAddr:      v.GetString("metrics_addr"),
	}

	var err error

	if conf.Threshold, err = getDecimal(v, "sol_threshold"); err != nil {
		return conf, err
	}

	if conf.TopUpAmount, err = getDecimal(v, "top_up_amount"); err != nil {
		return conf, err
	}

	if conf.FeeReserve, err = getDecimal(v, "fee_reserve"); err != nil {
		return conf, err
	}

	if conf.AuditPath == "" {
		conf.AuditPath = filepath.Join(conf.LogDir, "topups.json")
	}

	return conf, nil
}

// Validate checks the configuration can be used to start the monitor. A missing master key is the one error the
// service never recovers from.
func (c ServiceConfig) Validate() error {
	switch {
	case c.Bc.Secret == "":
		return ErrNoSecret
	case c.Bc.Node == "":
		return ErrNoNode
	case !c.TopUpAmount.IsPositive():
		return ErrAmount
	case !c.Threshold.IsPositive():
		return ErrThreshold
	case c.FeeReserve.IsNegative():
		return ErrReserve
	}

	if _, err := types.ToLamports(c.TopUpAmount.Add(c.FeeReserve)); err != nil {
		return fmt.Errorf("%w: %v", ErrAmount, err)
	}

	switch {
	case c.CheckInterval <= 0:
		return ErrInterval
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("network", NetworkDefault)
	v.SetDefault("rpc_endpoint", RPCEndpointDefault)
	v.SetDefault("check_interval", CheckIntervalDefault)
	v.SetDefault("sol_threshold", ThresholdDefault)
	v.SetDefault("top_up_amount", TopUpAmountDefault)
	v.SetDefault("fee_reserve", FeeReserveDefault)
	v.SetDefault("wallets_path", WalletsPathDefault)
	v.SetDefault("log_dir", LogDirDefault)
	v.SetDefault("log_level", LogLevelDefault)
	v.SetDefault("registry_type", StoreTypeDefault)
	v.SetDefault("audit_type", StoreTypeDefault)
	v.SetDefault("guard_type", GuardTypeDefault)
	v.SetDefault("rate_limit_backoff", RateLimitBackoffDefault)
	v.SetDefault("top_up_pause", TopUpPauseDefault)
	v.SetDefault("read_rate", ReadRateDefault)
	v.SetDefault("confirm_timeout", ConfirmTimeoutDefault)
	v.SetDefault("master_report_cron", MasterReportDefault)
	v.SetDefault("metrics_addr", MetricsAddrDefault)
}

func getDecimal(v *viper.Viper, key string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(v.GetString(key)))
	if err != nil {
		return decimal.Zero, fmt.Errorf("config: invalid %s: %w", envKeys[key], err)
	}

	return d, nil
}
