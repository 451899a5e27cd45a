package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var Version = "dev"

var Commit = "none"

var Date = "unknown"
var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "overture",
	Short:   "overture: TLS-terminating edge proxy for Harmony chat servers",
	Version: fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file")
	cobra.OnInitialize(initConfig)
}
func initConfig() {
	viper.SetEnvPrefix("OVERTURE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("overture")
		viper.AddConfigPath(".")
		if home, _ := os.UserHomeDir(); home != "" {
			viper.AddConfigPath(filepath.Join(home, ".overture"))
		}
		viper.AddConfigPath("/etc/overture")
	}
	_ = viper.ReadInConfig()
}
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
