package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"driftchat/internal/config"
	"driftchat/internal/logging"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// flagKeys maps config keys to persistent flag names.
var flagKeys = map[string]string{
	config.KeyAddr:       "addr",
	config.KeyDBDriver:   "db-driver",
	config.KeyDBDSN:      "db",
	config.KeyBlobsDir:   "blobs-dir",
	config.KeyWTAddr:     "wt-addr",
	config.KeyLogBackend: "log-backend",
	config.KeyLogLevel:   "log-level",
	config.KeyDebug:      "debug",
}

type cli struct {
	v       *viper.Viper
	cfgFile string
	cfg     config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{v: config.New()}

	root := &cobra.Command{
		Use:          "driftchat",
		Short:        "Ephemeral chat rooms with voice signaling",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load()
		},
		RunE: c.runServe,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.cfgFile, "config", "", "config file (YAML)")
	pf.String("addr", ":8080", "HTTP listen address")
	pf.String("db-driver", "sqlite", "database driver: sqlite or postgres")
	pf.String("db", "driftchat.db", "database path (sqlite) or DSN (postgres)")
	pf.String("blobs-dir", "", "file storage directory (defaults to <db-dir>/blobs)")
	pf.String("wt-addr", "", "WebTransport listen address, empty to disable")
	pf.String("log-backend", "std", "log backend: std or zap")
	pf.String("log-level", "info", "log level")
	pf.Bool("debug", false, "enable debug logging (auto-enabled for dev builds)")
	cobra.CheckErr(config.BindFlags(c.v, pf, flagKeys))

	root.AddCommand(
		&cobra.Command{Use: "serve", Short: "Run the server (default)", Args: cobra.NoArgs, RunE: c.runServe},
		&cobra.Command{Use: "status", Short: "Show database totals", Args: cobra.NoArgs, RunE: c.runStatus},
		c.roomsCmd(),
		&cobra.Command{Use: "sweep", Short: "Delete expired rooms now", Args: cobra.NoArgs, RunE: c.runSweep},
		&cobra.Command{Use: "backup [path]", Short: "Copy the SQLite database", Args: cobra.MaximumNArgs(1), RunE: c.runBackup},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			// No config or logging needed.
			PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "driftchat %s\n", Version)
			},
		},
	)
	return root
}

func (c *cli) load() error {
	if err := config.ReadFile(c.v, c.cfgFile); err != nil {
		return err
	}
	cfg, err := config.Load(c.v)
	if err != nil {
		return err
	}
	c.cfg = cfg

	logging.Init(logging.Config{
		Service: "driftchat",
		Version: Version,
		Backend: logging.Backend(cfg.LogBackend),
		Env:     cfg.LogEnv,
		Level:   logging.ParseLevel(cfg.LogLevel),
		Debug:   cfg.Debug || strings.Contains(Version, "dev"),
	})
	return nil
}

func (c *cli) runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, c.cfg)
}

func (c *cli) runStatus(cmd *cobra.Command, _ []string) error {
	b, err := openBackend(c.cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	totals, err := b.svc.Totals(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Database: %s (%s)\n", c.cfg.DBDSN, c.cfg.DBDriver)
	fmt.Fprintf(out, "Files: %s\n", c.cfg.BlobsDir)
	fmt.Fprintf(out, "Rooms: %d\n", totals.Rooms)
	fmt.Fprintf(out, "Messages: %d\n", totals.Messages)
	fmt.Fprintf(out, "Version: %s\n", Version)
	return nil
}

func (c *cli) roomsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "List stored rooms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := openBackend(c.cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			rooms, err := b.svc.AllRooms(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(rooms) == 0 {
				fmt.Fprintln(out, "No rooms found.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tOWNER\tEXPIRES")
			for _, r := range rooms {
				expires := "never"
				if r.ExpiresAt != nil {
					expires = r.ExpiresAt.UTC().Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.Name, r.OwnerID, expires)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rooms to list")
	return cmd
}

func (c *cli) runSweep(cmd *cobra.Command, _ []string) error {
	b, err := openBackend(c.cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	n, err := b.svc.SweepExpired(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired room(s)\n", n)
	return nil
}

func (c *cli) runBackup(cmd *cobra.Command, args []string) error {
	b, err := openBackend(c.cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	outPath := "driftchat-backup.db"
	if len(args) > 0 {
		outPath = args[0]
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()
	if err := b.store.Backup(ctx, outPath); err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Database backed up to %s\n", outPath)
	return nil
}
