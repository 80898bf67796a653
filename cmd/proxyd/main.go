package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/proxygui/proxyd/internal/log"
	"github.com/proxygui/proxyd/internal/model"
	"github.com/proxygui/proxyd/internal/service"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	configEnv  = "PROXYDCONFIG"
	configName = "proxyd.yaml"
	envPrefix  = "PROXYD"

	keyVerbose       = "verbose"
	keyInvokeTimeout = "invoke_timeout"
)

var (
	userConfigPath string // /default/config/path/proxyd on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	logCloser      io.Closer = io.NopCloser(nil)

	flagConfigFilePath string // value of --config flag
	flagStdio          bool   // value of run --stdio

	// settings holds flags and PROXYD_* environment overrides
	settings = newSettings()
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "proxyd")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+configName+" in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().Bool("verbose", false, "verbose logging")
	runCmd.Flags().BoolVar(&flagStdio, "stdio", false, "serve front end calls over stdin and stdout")
	runCmd.Flags().String("invoke-timeout", "", "bound for a single worker request, 0 waits forever")

	bindFlag(keyVerbose, rootCmd.PersistentFlags(), "verbose")
	bindFlag(keyInvokeTimeout, runCmd.Flags(), "invoke-timeout")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initProxyd
	rootCmd.PersistentPostRun = func(*cobra.Command, []string) {
		_ = logCloser.Close()
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("proxyd failed", "err", err)
		os.Exit(1)
	}
}

func newSettings() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func bindFlag(key string, fs *pflag.FlagSet, name string) {
	if err := settings.BindPFlag(key, fs.Lookup(name)); err != nil {
		panic(err)
	}
}

var rootCmd = &cobra.Command{
	Use:          "proxyd",
	Short:        "Manager of proxy worker processes",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run starts the configured services and serves the front end",
	RunE:  doRun,
}

var workerCmd = &cobra.Command{
	Use:    service.WorkerCommand,
	Short:  "internal command",
	RunE:   doWorker,
	Hidden: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a proxyd",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("proxyd: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("proxyd: %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initProxyd(cmd *cobra.Command, _ []string) error {
	// a worker inherits everything it needs from the manager; its stdout
	// belongs to the protocol so it always logs to stderr
	if cmd.Name() == service.WorkerCommand {
		config = model.DefaultConfig(cmd.Context())
		return initLog(model.LogStderr)
	}

	if err := loadConfig(); err != nil {
		return err
	}

	target := model.LogStderr
	if config.Service.Log != nil {
		target = *config.Service.Log
	}
	if flagStdio && target == model.LogStdout {
		return fmt.Errorf("service.log can't be %s with --stdio", model.LogStdout)
	}
	if err := initLog(target); err != nil {
		return err
	}

	slog.Debug("proxyd run", "configPath", configPath)
	slog.Debug("proxyd run", "config", config)
	return nil
}

func loadConfig() error {
	if envConfig, ok := os.LookupEnv(configEnv); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, configName)
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig(context.Background())
		configPath = filepath.Join(userConfigPath, configName)
		err := os.MkdirAll(filepath.Dir(configPath), 0755)
		if err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		enc := yaml.NewEncoder(f)
		err = enc.Encode(config)
		if err != nil {
			return fmt.Errorf("storing configuration: %w", err)
		}
		return nil
	}

	f, err := os.Open(configPath)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	config, err = model.LoadConfig(f)
	if err != nil {
		for _, d := range model.ConfigErrDetails(err) {
			slog.Error("invalid configuration", d.Attr("detail"))
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// --invoke-timeout and PROXYD_INVOKE_TIMEOUT have a precedence over
	// config file
	if settings.IsSet(keyInvokeTimeout) {
		timeout := settings.GetString(keyInvokeTimeout)
		if config.Worker == nil {
			config.Worker = &model.Worker{}
		}
		config.Worker.InvokeTimeout = &timeout
	}
	return nil
}

func initLog(target string) error {
	// --verbose has a precedence over config file
	verbose := config.Service.Verbose != nil && *config.Service.Verbose
	if settings.IsSet(keyVerbose) {
		verbose = settings.GetBool(keyVerbose)
	}
	logger, closer, err := log.New(verbose, target)
	if err != nil {
		return err
	}
	logCloser = closer
	slog.SetDefault(logger)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
