package cmd

import (
	"context"
	"fmt"
	"github.com/joho/godotenv"
	"github.com/minesa-org/kaeru/kaeru"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = kaeru.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "kaeru [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	fmt.Println(err)
	if err != nil {
		os.Exit(1)
	}
}

func initConfig() {
	// Stored log levels are *slog.LevelVar values, which don't survive
	// a second GetString/Set round trip. Resetting makes reruns start
	// from the string defaults again.
	viper.Reset()

	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", kaeru.DefaultDatabase)
	viper.SetDefault("database_type", kaeru.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		kaeru.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		kaeru.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault("development", false)

	viper.SetDefault("log_level", kaeru.DefaultLogLevel.String())
	viper.SetDefault("api.log_level", kaeru.DefaultAPILogLevel.String())

	viper.SetDefault("startup_timeout", kaeru.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", kaeru.DefaultShutdownTimeout)

	// OpenAI config
	viper.SetDefault("openai.log_level", kaeru.DefaultOpenAILogLevel.String())
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.model", kaeru.DefaultOpenAIModel)
	viper.SetDefault(
		"openai.max_requests_per_second",
		kaeru.DefaultOpenAIMaxRequestsPerSecond,
	)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.gateway_enabled", true)
	viper.SetDefault(
		"discord.log_level",
		kaeru.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		kaeru.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		kaeru.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.custom_status", kaeru.DefaultDiscordCustomStatus)

	// Discord: Webhook server
	viper.SetDefault("discord.webhook_server.enabled", false)
	viper.SetDefault(
		"discord.webhook_server.listen",
		kaeru.DefaultDiscordWebhookServerListen,
	)
	viper.SetDefault("discord.webhook_server.listen_network", "tcp")
	viper.SetDefault("discord.webhook_server.public_key", "")
	viper.SetDefault(
		"discord.webhook_server.read_timeout",
		kaeru.DefaultReadTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.read_header_timeout",
		kaeru.DefaultReadHeaderTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.write_timeout",
		kaeru.DefaultWriteTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.idle_timeout",
		kaeru.DefaultIdleTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.log_level",
		kaeru.DefaultAPILogLevel.String(),
	)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// Discord: Webhook server: SSL

	fatalErr(viper.BindEnv("discord.webhook_server.ssl.cert"))
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.key"))

	// Ticket config
	viper.SetDefault("ticket.close_cooldown", kaeru.DefaultCloseCooldown)
	viper.SetDefault(
		"ticket.thread_auto_archive_minutes",
		kaeru.DefaultThreadAutoArchiveMinutes,
	)
	viper.SetDefault("ticket.webhook_name", kaeru.DefaultTicketWebhookName)
	viper.SetDefault(
		"ticket.request_timeout",
		kaeru.DefaultGatewayRequestTimeout,
	)
	viper.SetDefault("ticket.summarize_titles", true)

	// API config
	viper.SetDefault("api.listen", kaeru.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.client_secret", "")
	viper.SetDefault("api.redirect_uri", "")

	viper.SetDefault(
		"api.session_max_age",
		kaeru.DefaultAPISessionMaxAge,
	)
	viper.SetDefault("api.read_timeout", kaeru.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		kaeru.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", kaeru.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", kaeru.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		kaeru.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		kaeru.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		kaeru.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", kaeru.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		kaeru.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(kaeru.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = kaeru.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)

	logLevelVar, err := levelStringToLevelVar(viper.GetString("log_level"))
	if err != nil {
		log.Fatalf("error parsing log_level: %v", err)
	}
	viper.Set("log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("discord.log_level"))
	if err != nil {
		log.Fatalf("error parsing discord log level: %v", err)
	}
	viper.Set("discord.log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("openai.log_level"))
	if err != nil {
		log.Fatalf("error parsing openai log level: %v", err)
	}
	viper.Set("openai.log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("discord.discordgo_log_level"))
	if err != nil {
		log.Fatalf("error parsing discordgo log level: %v", err)
	}
	viper.Set("discord.discordgo_log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("database_log_level"))
	if err != nil {
		log.Fatalf("error parsing database log level: %v", err)
	}
	viper.Set("database_log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("api.log_level"))
	if err != nil {
		log.Fatalf("error parsing api log level: %v", err)
	}
	viper.Set("api.log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("discord.webhook_server.log_level"))
	if err != nil {
		log.Fatalf("error parsing webhook server log level: %v", err)
	}
	viper.Set("discord.webhook_server.log_level", logLevelVar)
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
