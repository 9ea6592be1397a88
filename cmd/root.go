/*
Copyright © 2024 Metal toolbox authors <EMAIL ADDRESS>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/robodyne/robosync/internal/configuration"
	"github.com/robodyne/robosync/internal/log"
	"github.com/robodyne/robosync/internal/model"
	"github.com/robodyne/robosync/internal/registry"
	"github.com/robodyne/robosync/internal/store"
)

var (
	args = &model.Args{}
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "robosync",
	Short: "robosync keeps per-owner robot registries in sync with their record store",
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().
		StringVar(&args.ConfigFile, "config", "", "configuration file (default is $HOME/.robosync.yml)")

	rootCmd.PersistentFlags().
		StringVar(&args.LogLevel, "log-level", "", "set logging level - debug, trace")

	rootCmd.PersistentFlags().
		BoolVarP(&args.EnableProfiling, "enable-pprof", "", false, "Enable profiling endpoint at: http://localhost:9091")
}

func loadConfig() (*configuration.Configuration, error) {
	config, err := configuration.Load(args)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return nil, err
	}

	log.SetLevel(config.LogLevel)
	slog.Debug("Configuration loaded", config.AsLogFields()...)

	return config, nil
}

// openRegistry connects the configured store and returns a registry over it.
func openRegistry(ctx context.Context, config *configuration.Configuration) (*registry.Registry, *store.Repository, error) {
	repository, err := store.NewRepository(ctx, config)
	if err != nil {
		slog.Error("Failed to create repository", "error", err, "store", config.StoreKind.String())
		return nil, nil, err
	}

	reg := registry.New(repository.Robots, registry.WithStoreKind(config.StoreKind.String()))

	return reg, repository, nil
}
