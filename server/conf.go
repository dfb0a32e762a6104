package server

import (
	"fmt"

	"github.com/go-errors/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	urna "github.com/votoseguro/urnago"
)

const (
	StoreTypeMemory = "memory"
	StoreTypeRedis  = "redis"
)

// RedisSettings for when Redis is used as session store.
type RedisSettings struct {
	Address  string `json:"address" mapstructure:"address"`
	Password string `json:"password" mapstructure:"password"`
	DB       int    `json:"db" mapstructure:"db"`
}

// Configuration contains configuration for the urnaserver library and the
// urna server command.
type Configuration struct {
	// Address and port to listen on
	ListenAddress string `json:"listen_addr" mapstructure:"listen_addr"`
	Port          int    `json:"port" mapstructure:"port"`

	// Path of the bbolt member registry database
	DBPath string `json:"db_path" mapstructure:"db_path"`

	// Store for voting sessions: "memory" (default) or "redis"
	StoreType     string         `json:"store_type" mapstructure:"store_type"`
	RedisSettings *RedisSettings `json:"redis_settings" mapstructure:"redis_settings"`

	// HMAC secret for session token JWTs
	TokenSecret string `json:"token_secret" mapstructure:"token_secret"`

	// Ceiling on failed second-factor attempts per session (default 5)
	CodeAttempts int `json:"code_attempts" mapstructure:"code_attempts"`

	// Minimum interval in seconds between code issuances per session (default 30)
	CodeReissueInterval int `json:"code_reissue_interval" mapstructure:"code_reissue_interval"`

	// Slates of the election; the blank and null pseudo-choices are appended
	// automatically when the ballot is served
	Slates []urna.Choice `json:"slates" mapstructure:"slates"`

	// Logging verbosity: 0 is normal, 1 includes DEBUG, 2 includes TRACE
	Verbose int `json:"verbose" mapstructure:"verbose"`
	// Don't log anything at all
	Quiet bool `json:"quiet" mapstructure:"quiet"`

	Logger *logrus.Logger `json:"-"`
}

// Check validates the configuration and fills in defaults, collecting all
// problems rather than stopping at the first.
func (conf *Configuration) Check() error {
	if conf.Logger == nil {
		conf.Logger = NewLogger(conf.Verbose, conf.Quiet)
	}
	Logger = conf.Logger
	urna.SetLogger(conf.Logger)

	if conf.ListenAddress == "" {
		conf.ListenAddress = "0.0.0.0"
	}
	if conf.Port == 0 {
		conf.Port = 8088
	}
	if conf.StoreType == "" {
		conf.StoreType = StoreTypeMemory
	}
	if conf.CodeAttempts == 0 {
		conf.CodeAttempts = 5
	}
	if conf.CodeReissueInterval == 0 {
		conf.CodeReissueInterval = 30
	}

	var result *multierror.Error
	if conf.Port < 0 || conf.Port > 65535 {
		result = multierror.Append(result, errors.Errorf("port %d is out of range", conf.Port))
	}
	if conf.DBPath == "" {
		result = multierror.Append(result, errors.New("no member registry database path specified"))
	}
	if conf.TokenSecret == "" {
		result = multierror.Append(result, errors.New("no session token secret specified"))
	}
	switch conf.StoreType {
	case StoreTypeMemory: // nop
	case StoreTypeRedis:
		if conf.RedisSettings == nil || conf.RedisSettings.Address == "" {
			result = multierror.Append(result, errors.New("redis store type requires redis_settings.address"))
		}
	default:
		result = multierror.Append(result, errors.Errorf("unknown store type %q", conf.StoreType))
	}
	for _, slate := range conf.Slates {
		if !slate.Slate() {
			result = multierror.Append(result, errors.Errorf("slate number %d is reserved", slate.Number))
		}
	}

	return result.ErrorOrNil()
}

// ListenString returns the host:port the server binds to.
func (conf *Configuration) ListenString() string {
	return fmt.Sprintf("%s:%d", conf.ListenAddress, conf.Port)
}
