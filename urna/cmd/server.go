package cmd

import (
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/go-errors/errors"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	urna "github.com/votoseguro/urnago"
	"github.com/votoseguro/urnago/server"
	"github.com/votoseguro/urnago/server/urnaserver"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run a reference voting authority",
	Run: func(command *cobra.Command, args []string) {
		conf, err := configureServer(command)
		if err != nil {
			die("", errors.WrapPrefix(err, "Failed to read configuration", 0))
		}
		serv, err := urnaserver.New(conf)
		if err != nil {
			die("", errors.WrapPrefix(err, "Failed to configure server", 0))
		}

		httpServer := &http.Server{Addr: conf.ListenString(), Handler: serv.Handler()}

		stopped := make(chan struct{})
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

		go func() {
			conf.Logger.Info("Listening on ", conf.ListenString())
			if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
				die("", errors.WrapPrefix(err, "Failed to start server", 0))
			}
			stopped <- struct{}{}
		}()

		for {
			select {
			case <-interrupt:
				conf.Logger.Debug("Caught interrupt")
				_ = httpServer.Close()
				serv.Stop()
			case <-stopped:
				conf.Logger.Info("Exiting")
				return
			}
		}
	},
}

func init() {
	RootCmd.AddCommand(serverCmd)
	setFlags(serverCmd.Flags())
}

func setFlags(flags *pflag.FlagSet) {
	flags.SortFlags = false
	flags.StringP("config", "c", "", "path to configuration file")
	flags.String("listen-addr", "0.0.0.0", "address at which to listen")
	flags.IntP("port", "p", 8088, "port at which to listen")
	flags.String("db-path", "", "path of the member registry database")
	flags.String("store-type", "memory", "session store type (memory or redis)")
	flags.String("token-secret", "", "HMAC secret for session tokens")
	flags.Int("code-attempts", 5, "failed second-factor attempts allowed per session")
	flags.Int("code-reissue-interval", 30, "minimum seconds between code issuances")
	flags.CountP("verbose", "v", "verbose (repeatable)")
	flags.BoolP("quiet", "q", false, "quiet")
}

func configureServer(command *cobra.Command) (*server.Configuration, error) {
	dashReplacer := strings.NewReplacer("-", "_")
	viper.SetEnvKeyReplacer(dashReplacer)
	viper.SetEnvPrefix("URNA")
	viper.AutomaticEnv()
	if err := viper.BindPFlags(command.Flags()); err != nil {
		return nil, err
	}

	// Locate and read configuration file
	confpath := viper.GetString("config")
	if confpath != "" {
		dir, file := filepath.Dir(confpath), filepath.Base(confpath)
		viper.SetConfigName(strings.TrimSuffix(file, filepath.Ext(file)))
		viper.AddConfigPath(dir)
	} else {
		viper.SetConfigName("urnaserver")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/urnaserver/")
	}
	err := viper.ReadInConfig() // Hold error checking until the logger exists

	conf := &server.Configuration{
		ListenAddress:       viper.GetString("listen_addr"),
		Port:                viper.GetInt("port"),
		DBPath:              viper.GetString("db_path"),
		StoreType:           viper.GetString("store_type"),
		TokenSecret:         viper.GetString("token_secret"),
		CodeAttempts:        viper.GetInt("code_attempts"),
		CodeReissueInterval: viper.GetInt("code_reissue_interval"),
		Verbose:             viper.GetInt("verbose"),
		Quiet:               viper.GetBool("quiet"),
		Logger:              server.NewLogger(viper.GetInt("verbose"), viper.GetBool("quiet")),
	}

	if err != nil {
		if _, notfound := err.(viper.ConfigFileNotFoundError); notfound && confpath == "" {
			conf.Logger.Info("No configuration file found")
		} else {
			return nil, errors.WrapPrefix(err, "Failed to unmarshal configuration file", 0)
		}
	} else {
		conf.Logger.Info("Config file: ", viper.ConfigFileUsed())
	}

	// Nested keys are only settable via the configuration file or env vars
	if settings := viper.GetStringMap("redis_settings"); len(settings) > 0 {
		conf.RedisSettings = &server.RedisSettings{}
		if err := mapstructure.Decode(settings, conf.RedisSettings); err != nil {
			return nil, errors.WrapPrefix(err, "Failed to unmarshal redis settings", 0)
		}
	}
	if slates := viper.Get("slates"); slates != nil {
		raw, err := cast.ToSliceE(slates)
		if err != nil {
			return nil, errors.WrapPrefix(err, "Failed to unmarshal slates", 0)
		}
		conf.Slates = make([]urna.Choice, 0, len(raw))
		for _, entry := range raw {
			var choice urna.Choice
			if err := mapstructure.Decode(entry, &choice); err != nil {
				return nil, errors.WrapPrefix(err, "Failed to unmarshal slate", 0)
			}
			conf.Slates = append(conf.Slates, choice)
		}
	}

	return conf, nil
}
