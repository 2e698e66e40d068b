package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/reviewstack/notedb/internal/change"
	"github.com/reviewstack/notedb/internal/config"
	"github.com/reviewstack/notedb/internal/database"
	"github.com/reviewstack/notedb/internal/gitstore"
	"github.com/reviewstack/notedb/internal/logging"
	"github.com/reviewstack/notedb/internal/notedb"
	"github.com/reviewstack/notedb/internal/statelease"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "notedb",
		Short: "Change metadata store tooling",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(showCommand(), draftsCommand(), nextIDCommand(), tokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("project", defaults.GetString("repo.project"), "Project name")
	cmd.PersistentFlags().String("changes-repo", defaults.GetString("repo.changes"), "Path to the change repository")
	cmd.PersistentFlags().String("drafts-repo", defaults.GetString("repo.drafts"), "Path to the draft comments repository")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "repo.project", "project")
	bindFlag(cmd, "repo.changes", "changes-repo")
	bindFlag(cmd, "repo.drafts", "drafts-repo")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

type app struct {
	cfg    config.AppConfig
	logger *zap.Logger
	client *notedb.Client
}

func newApp() (*app, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	changes, err := gitstore.Open(appConfig.Project, appConfig.ChangesRepoPath, logger)
	if err != nil {
		return nil, err
	}
	drafts, err := gitstore.Open(appConfig.Project+"-drafts", appConfig.DraftsRepoPath, logger)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	leases, err := statelease.NewStore(db)
	if err != nil {
		return nil, err
	}

	client, err := notedb.NewClient(notedb.Config{
		Logger:       logger,
		Leases:       leases,
		MaxUpdates:   appConfig.MaxUpdates,
		CacheEntries: appConfig.CacheEntries,
		BatchSize:    appConfig.SequenceBatch,
	})
	if err != nil {
		return nil, err
	}
	proj := change.Project(appConfig.Project)
	if err := client.AddProject(proj, changes, drafts); err != nil {
		return nil, err
	}

	return &app{cfg: appConfig, logger: logger, client: client}, nil
}

func (a *app) project() change.Project {
	return change.Project(a.cfg.Project)
}

func parseChangeID(arg string) (change.ID, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid change number %q", arg)
	}
	return change.ID(n), nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func showCommand() *cobra.Command {
	var atTip string
	cmd := &cobra.Command{
		Use:   "show <change>",
		Short: "Print the parsed state of a change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			id, err := parseChangeID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if atTip != "" {
				if !plumbing.IsHash(atTip) {
					return fmt.Errorf("invalid commit id %q", atTip)
				}
				s, err := a.client.SnapshotAt(ctx, a.project(), id, plumbing.NewHash(atTip))
				if err != nil {
					return err
				}
				return printJSON(s)
			}
			s, err := a.client.Snapshot(ctx, a.project(), id)
			if err != nil {
				return err
			}
			return printJSON(s)
		},
	}
	cmd.Flags().StringVar(&atTip, "at", "", "Parse at this meta commit instead of the ref tip")
	return cmd
}

func draftsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "drafts <change> <account>",
		Short: "List one author's unpublished comments on a change",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			id, err := parseChangeID(args[0])
			if err != nil {
				return err
			}
			account, err := strconv.Atoi(args[1])
			if err != nil || account <= 0 {
				return fmt.Errorf("invalid account id %q", args[1])
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			comments, err := a.client.Drafts(ctx, a.project(), id, change.AccountID(account))
			if err != nil {
				return err
			}
			return printJSON(comments)
		},
	}
}

func nextIDCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "next-id",
		Short: "Allocate the next change number",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			id, err := a.client.NextID(ctx, a.project())
			if err != nil {
				return err
			}
			fmt.Println(id.Int())
			return nil
		},
	}
}

func tokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "token <change>",
		Short: "Print the stored consistency token of a change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			id, err := parseChangeID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			tok, ok, err := a.client.Leases().Get(ctx, id)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("(none)")
				return nil
			}
			fmt.Println(tok.String())
			return nil
		},
	}
}
