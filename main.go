package main

import (
	"os"

	"github.com/go-i2p/go-vnet/lib/config"
	"github.com/go-i2p/go-vnet/lib/daemon"
	"github.com/go-i2p/go-vnet/lib/util/signals"
	"github.com/go-i2p/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var log = logger.GetGoI2PLogger()

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "go-vnet",
		Short:         "Peer-to-peer virtual network node",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run()
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&config.CfgFile, "config", "", "config file (default $HOME/.go-vnet/config.yaml)")
	flags.Int("port", config.Defaults().Port, "UDP port to listen on")
	flags.String("home", config.Defaults().Home, "base directory for config and state")
	_ = viper.BindPFlag("port", flags.Lookup("port"))
	_ = viper.BindPFlag("home", flags.Lookup("home"))
	return cmd
}

func run() error {
	if err := config.InitConfig(); err != nil {
		return err
	}
	cfg, err := config.NewNodeConfigFromViper()
	if err != nil {
		return err
	}
	d, err := daemon.New(cfg)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		d.Close()
		return err
	}

	sig := signals.New()
	sig.OnReload(func() {
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).Warn("config reload failed")
			return
		}
		next, err := config.NewNodeConfigFromViper()
		if err != nil {
			log.WithError(err).Warn("config reload rejected")
			return
		}
		if err := d.Reload(next); err != nil {
			log.WithError(err).Warn("config reload not applied")
		}
	})
	sig.OnShutdown(func() {
		if err := d.Close(); err != nil {
			log.WithError(err).Warn("close failed")
		}
	})
	go func() {
		d.Wait()
		sig.Stop()
	}()
	sig.Run()
	return nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.WithError(err).Error("go-vnet failed")
		os.Exit(1)
	}
}
