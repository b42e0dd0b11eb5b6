package main

import (
	"io"
	"os"
	"strings"

	"github.com/go-go-golems/chatstate/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var rootCmd = &cobra.Command{
	Use:   "chatstate",
	Short: "chatstate replays chat streams against the session state engine",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// reinitialize the logger because we can now parse --log-level and co
		// from the command line flag
		return initLogger()
	},
	SilenceUsage: true,
}

type logConfig struct {
	WithCaller bool
	Level      string
	LogFormat  string
	LogFile    string
}

func initLogger() error {
	logLevel := viper.GetString("log-level")
	verbose := viper.GetBool("verbose")
	if verbose && logLevel != "trace" {
		logLevel = "debug"
	}

	return InitLogger(&logConfig{
		Level:      logLevel,
		LogFile:    viper.GetString("log-file"),
		LogFormat:  viper.GetString("log-format"),
		WithCaller: viper.GetBool("with-caller"),
	})
}

func InitLogger(config *logConfig) error {
	if config.WithCaller {
		log.Logger = log.With().Caller().Logger()
	}

	format := config.LogFormat
	if format == "" {
		format = "json"
		if isatty.IsTerminal(os.Stderr.Fd()) {
			format = "text"
		}
	}

	var logWriter io.Writer
	if format == "text" {
		logWriter = zerolog.ConsoleWriter{Out: os.Stderr}
	} else {
		logWriter = os.Stderr
	}

	if config.LogFile != "" {
		logWriter = io.MultiWriter(
			logWriter,
			zerolog.ConsoleWriter{
				NoColor: true,
				Out: &lumberjack.Logger{
					Filename:   config.LogFile,
					MaxSize:    10, // megabytes
					MaxBackups: 3,
					MaxAge:     28, //days
				},
			})
	}

	log.Logger = log.Output(logWriter)

	level := zerolog.InfoLevel
	if config.Level != "" {
		parsed, err := zerolog.ParseLevel(config.Level)
		if err != nil {
			return err
		}
		level = parsed
	}
	zerolog.SetGlobalLevel(level)

	return nil
}

func initConfig(rootCmd *cobra.Command, configPath string) error {
	viper.SetEnvPrefix("chatstate")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.chatstate")

		xdgConfigPath, err := os.UserConfigDir()
		if err == nil {
			viper.AddConfigPath(xdgConfigPath + "/chatstate")
		}
	}

	err := viper.ReadInConfig()
	// if the file does not exist, continue normally
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		// Config file not found; ignore error
	} else if err != nil {
		return err
	}
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	err = viper.BindPFlags(rootCmd.PersistentFlags())
	if err != nil {
		return err
	}

	flags := rootCmd.PersistentFlags()
	for key, flag := range map[string]string{
		"backend.kind":           "backend-kind",
		"backend.dsn":            "dsn",
		"backend.base-url":       "base-url",
		"backend.timeout":        "timeout",
		"events.topic":           "topic",
		"events.block-until-ack": "block-until-ack",
		"events.changes-topic":   "changes-topic",
		"directives.inline":      "inline",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return err
		}
	}

	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	defaults := settings.NewSettings()

	flags := rootCmd.PersistentFlags()
	flags.Bool("with-caller", false, "Log caller")
	flags.String("log-level", "info", "Log level (trace, debug, info, warn, error, fatal)")
	flags.String("log-format", "", "Log format (json, text), text when stderr is a terminal")
	flags.String("log-file", "", "Log file (default: stderr)")
	flags.Bool("verbose", false, "Verbose output")
	flags.String("config", "", "Path to config file (default ~/.chatstate/config.yaml)")

	flags.String("backend-kind", string(defaults.Backend.Kind), "Conversation backend (memory, sqlite, http)")
	flags.String("dsn", defaults.Backend.DSN, "SQLite DSN for the sqlite backend")
	flags.String("base-url", defaults.Backend.BaseURL, "Base URL for the http backend")
	flags.Duration("timeout", defaults.Backend.Timeout, "Timeout for backend requests")
	flags.String("topic", defaults.Events.Topic, "Topic stream events are routed over")
	flags.Bool("block-until-ack", defaults.Events.BlockUntilAck, "Block publishing until the engine handled the event")
	flags.String("changes-topic", defaults.Events.ChangesTopic, "Topic state changes are published to")
	flags.Bool("inline", defaults.Directives.Inline, "Extract ```widget blocks from streamed text")

	// parse the flags one time just to catch --config
	configFile := ""
	for idx, arg := range os.Args {
		if arg == "--config" && len(os.Args) > idx+1 {
			configFile = os.Args[idx+1]
		}
	}

	if err := initConfig(rootCmd, configFile); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(newReplayCommand())
	conversationsCmd, err := NewConversationsCommand()
	cobra.CheckErr(err)
	conversationsCobraCmd, err := cli.BuildCobraCommandFromGlazeCommand(conversationsCmd)
	cobra.CheckErr(err)
	rootCmd.AddCommand(conversationsCobraCmd)
	rootCmd.AddCommand(newSchemaCommand())
}
