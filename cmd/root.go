// Copyright (c) 2024 John Mylchreest <jmylchreest@gmail.com>
//
// This file is part of btrfsd.
//
// btrfsd is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// btrfsd is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with btrfsd. If not, see <https://www.gnu.org/licenses/>.

package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jmylchreest/btrfsd/internal/logging"
	"github.com/jmylchreest/btrfsd/internal/scheduler"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	verbose    bool
	showStatus bool
	configPath string
	stateDir   string
)

// rootCmd is the daemon's single entrypoint: a plain maintenance-run unless
// one of --version/--status is given. There are no subcommands.
var rootCmd = &cobra.Command{
	Use:   "btrfsd",
	Short: "Scheduled Btrfs maintenance daemon",
	Long: `btrfsd periodically scrubs and balances mounted Btrfs filesystems,
watches device error counters, and notifies on new errors via email and
terminal broadcast.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRoot,
}

func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}

func init() {
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.Flags().BoolVar(&showStatus, "status", false, "print status for known filesystems and exit")
	rootCmd.Flags().StringVar(&configPath, "config", "", "config file (default "+scheduler.DefaultConfigPath+")")
	rootCmd.Flags().StringVar(&stateDir, "state-dir", "", "state directory (default "+scheduler.DefaultStateDir+")")
}

func runRoot(cmd *cobra.Command, args []string) error {
	logging.Setup(verbose)

	s := scheduler.New(scheduler.Options{
		ConfigPath: configPath,
		StateDir:   stateDir,
	})

	if err := s.Load(); err != nil {
		log.Error().Err(err).Msg("Failed to initialize scheduler")
		return err
	}

	if showStatus {
		clean := s.PrintStatus(os.Stdout)
		if !clean {
			os.Exit(1)
		}
		return nil
	}

	if err := s.Run(); err != nil {
		log.Error().Err(err).Msg("Scheduler run failed")
		return err
	}
	return nil
}
