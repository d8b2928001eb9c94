package cmd

import (
	"context"
	"fmt"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdcore "github.com/projecteru2/deploykit/cmd/core"
	cmddisks "github.com/projecteru2/deploykit/cmd/disks"
	cmdinstall "github.com/projecteru2/deploykit/cmd/install"
	cmdothers "github.com/projecteru2/deploykit/cmd/others"
	"github.com/projecteru2/deploykit/config"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "deploykit",
		Short:         "deploykit - AOSC OS installer engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(cmdcore.CommandContext(cmd))
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("root-dir", "", "state directory (install journal)")
	cmd.PersistentFlags().String("run-dir", "", "runtime directory (instance lock)")
	cmd.PersistentFlags().String("work-dir", "", "parent directory of target mount points")
	cmd.PersistentFlags().String("log-file", "", "installer log file")

	_ = viper.BindPFlag("root_dir", cmd.PersistentFlags().Lookup("root-dir"))
	_ = viper.BindPFlag("run_dir", cmd.PersistentFlags().Lookup("run-dir"))
	_ = viper.BindPFlag("work_dir", cmd.PersistentFlags().Lookup("work-dir"))
	_ = viper.BindPFlag("log.filename", cmd.PersistentFlags().Lookup("log-file"))

	viper.SetEnvPrefix("DEPLOYKIT")
	viper.AutomaticEnv()

	base := cmdcore.BaseHandler{ConfProvider: func() *config.Config { return conf }}

	cmd.AddCommand(cmdinstall.Command(cmdinstall.Handler{BaseHandler: base}))
	cmd.AddCommand(cmddisks.Command(cmddisks.Handler{BaseHandler: base}))
	for _, c := range cmdothers.Commands(cmdothers.Handler{BaseHandler: base}) {
		cmd.AddCommand(c)
	}

	return cmd
}()

func initConfig(ctx context.Context) error {
	conf = config.DefaultConfig()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	_ = viper.ReadInConfig() // optional; missing file is OK

	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	conf.Normalize()

	return log.SetupLog(ctx, &conf.Log, "")
}

// Execute is the main entry point called from main.go.
func Execute() error {
	ctx, cancel := cmdcore.NewCommandContext()
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}
