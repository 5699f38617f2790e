package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/cmd/cmdutil"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/cmd/repos"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/cmd/teams"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/cmd/users"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "gitgridd",
	Short: "gitgrid Git server",
	Long: `gitgridd serves bare Git repositories over smart HTTP with per-repository
access control, and manages the accounts, teams and grants behind it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = cmdutil.LoadConfig(cmd)
		if err != nil {
			return err
		}
		level := slog.LevelInfo
		if debug, _ := cmd.Flags().GetBool("debug"); debug || cfg.Debug {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return nil
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().String(cmdutil.EnvFileFlag, "", "Load environment variables from this file instead of ./.env")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging (env: DEBUG)")

	// Add subcommands
	rootCmd.AddCommand(users.UsersCmd)
	rootCmd.AddCommand(teams.TeamsCmd)
	rootCmd.AddCommand(repos.ReposCmd)
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
