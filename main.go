package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/federator/activitypub"
	"github.com/deemkeen/federator/db"
	"github.com/deemkeen/federator/domain"
	"github.com/deemkeen/federator/util"
	"github.com/deemkeen/federator/web"
	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:     "federator",
		Short:   "ActivityPub federation delivery and verification engine",
		Version: util.GetVersion(),
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default: config.yaml in the working or user config directory)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(actorCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*util.AppConfig, error) {
	var conf *util.AppConfig
	var err error
	if configFile != "" {
		conf, err = util.ReadConfFrom(configFile)
	} else {
		conf, err = util.ReadConf()
	}
	if err != nil {
		return nil, err
	}
	log.SetLevel(conf.ParseLogLevel())
	return conf, nil
}

// openEngine loads the config and database and wires the engine around them
func openEngine() (*activitypub.Engine, func(), error) {
	conf, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	database, err := db.Open(util.ResolveFilePath(conf.Conf.Database))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	closeFn := func() {
		if err := database.Close(); err != nil {
			log.Warn("Failed to close database", "err", err)
		}
	}
	return activitypub.NewEngine(database, conf), closeFn, nil
}

func migrateKeys(ctx context.Context, e *activitypub.Engine) error {
	n, err := e.Keys.MigrateLegacyKeys(ctx)
	if errors.Is(err, domain.ErrLockHeld) {
		log.Info("Key migration running elsewhere, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("key migration failed: %w", err)
	}
	if n > 0 {
		log.Info("Migrated legacy keys", "actors", n)
	}
	return nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP endpoints and the delivery worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, closeFn, err := openEngine()
			if err != nil {
				return err
			}
			defer closeFn()

			log.Info("Starting", "name", util.GetNameAndVersion(), "domain", e.Conf.Conf.SslDomain)
			log.Debug("Configuration", "conf", util.PrettyPrint(e.Conf))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := migrateKeys(ctx, e); err != nil {
				return err
			}

			e.Worker.Start(ctx)

			err = web.Router(ctx, e)
			log.Info("Stopped")
			return err
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and move legacy keys into the key store",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, closeFn, err := openEngine()
			if err != nil {
				return err
			}
			defer closeFn()

			return migrateKeys(cmd.Context(), e)
		},
	}
}

func actorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actor",
		Short: "Manage local actors",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create <username>",
		Short: "Create a local actor and its signing keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, closeFn, err := openEngine()
			if err != nil {
				return err
			}
			defer closeFn()

			ctx := cmd.Context()
			id, err := e.DB.CreateLocalActor(ctx, args[0])
			if err != nil {
				return err
			}
			actor, err := e.Directory.Actor(ctx, id)
			if err != nil {
				return err
			}
			if e.Keys.KeypairFor(ctx, id, false).IsZero() {
				return fmt.Errorf("failed to generate keys for %s", actor.Username)
			}

			fmt.Fprintln(cmd.OutOrStdout(), actor.ActorURI)
			return nil
		},
	})

	return cmd
}
