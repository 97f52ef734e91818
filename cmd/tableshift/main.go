package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tableshift/tableshift/internal/config"
	"github.com/tableshift/tableshift/internal/flagfile"
	"github.com/tableshift/tableshift/internal/journal"
	"github.com/tableshift/tableshift/internal/logging"
	"github.com/tableshift/tableshift/internal/migrate"
	"github.com/tableshift/tableshift/internal/session"
	"github.com/tableshift/tableshift/internal/status"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Process exit codes. Scripts driving a migration branch on these.
const (
	exitOK          = 0
	exitInternal    = 1
	exitConfig      = 2
	exitUnreachable = 3
)

// errConfig tags flag and configuration mistakes so they map to the
// configuration exit code.
var errConfig = errors.New("configuration error")

// CLI flags
var (
	host     string
	port     int
	user     string
	password string
	database string
	useTLS   bool

	table string
	alter string

	chunkSize  int
	chunkSleep time.Duration

	swapTables     bool
	dropOldTable   bool
	dropTriggers   bool
	dropAuditTable bool

	resume      bool
	journalPath string

	statusPort       int
	panicFlagFile    string
	postponeFlagFile string

	connectTimeout time.Duration
	rwTimeout      time.Duration
	maxRetries     int

	logFile   string
	verbosity int

	historyLimit int
)

func main() {
	// Environment (and .env) provides flag defaults; explicit flags win.
	config.LoadDotenv()

	rootCmd := &cobra.Command{
		Use:   "tableshift",
		Short: "Tableshift - online MySQL schema changes",
		Long: `Tableshift alters large MySQL tables without blocking writes:
it captures changes with triggers, copies rows into an altered shadow
table in keyed chunks, replays the captured writes, and atomically
swaps the tables.`,
		RunE:          run,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.Flags().StringVar(&host, "host", config.EnvString("", "MYSQL_HOST", "TABLESHIFT_HOST"), "MySQL host (or MYSQL_HOST)")
	rootCmd.Flags().IntVar(&port, "port", config.EnvInt(3306, "MYSQL_PORT", "TABLESHIFT_PORT"), "MySQL port (or MYSQL_PORT)")
	rootCmd.Flags().StringVar(&user, "user", config.EnvString("", "MYSQL_USER", "TABLESHIFT_USER"), "MySQL user (or MYSQL_USER)")
	rootCmd.Flags().StringVar(&password, "password", config.EnvString("", "MYSQL_PASSWORD", "TABLESHIFT_PASSWORD"), "MySQL password (or MYSQL_PASSWORD)")
	rootCmd.Flags().StringVar(&database, "database", config.EnvString("", "MYSQL_DATABASE", "TABLESHIFT_DATABASE"), "MySQL database (or MYSQL_DATABASE)")
	rootCmd.Flags().BoolVar(&useTLS, "tls", config.EnvBool(false, "TABLESHIFT_TLS"), "Require TLS for the MySQL connection")

	rootCmd.Flags().StringVarP(&table, "table", "t", config.EnvString("", "TABLESHIFT_TABLE"), "Table to migrate (required)")
	rootCmd.Flags().StringVarP(&alter, "alter", "a", config.EnvString("", "TABLESHIFT_ALTER"), "ALTER TABLE clauses, semicolon-separated (required unless --resume)")

	rootCmd.Flags().IntVar(&chunkSize, "chunk-size", config.EnvInt(1000, "TABLESHIFT_CHUNK_SIZE"), "Rows per copy chunk")
	rootCmd.Flags().DurationVar(&chunkSleep, "chunk-sleep", 0, "Pause between copy chunks (throttle)")

	rootCmd.Flags().BoolVar(&swapTables, "swap-tables", config.EnvBool(true, "TABLESHIFT_SWAP_TABLES"), "Atomically swap tables after the copy")
	rootCmd.Flags().BoolVar(&dropOldTable, "drop-old-table", config.EnvBool(false, "TABLESHIFT_DROP_OLD_TABLE"), "Drop the renamed original table after the swap")
	rootCmd.Flags().BoolVar(&dropTriggers, "drop-triggers", config.EnvBool(true, "TABLESHIFT_DROP_TRIGGERS"), "Drop the capture triggers when done")
	rootCmd.Flags().BoolVar(&dropAuditTable, "drop-audit-table", config.EnvBool(true, "TABLESHIFT_DROP_AUDIT_TABLE"), "Drop the audit table when done")

	rootCmd.Flags().BoolVar(&resume, "resume", false, "Resume the interrupted run recorded in the journal")
	rootCmd.Flags().StringVar(&journalPath, "journal", config.EnvString("./tableshift.db", "TABLESHIFT_JOURNAL"), "SQLite journal path")

	rootCmd.Flags().IntVar(&statusPort, "status-port", config.EnvInt(0, "TABLESHIFT_STATUS_PORT"), "Port for the status HTTP server (0 disables)")
	rootCmd.Flags().StringVar(&panicFlagFile, "panic-flag-file", config.EnvString("", "TABLESHIFT_PANIC_FLAG_FILE"), "Abort the migration when this file appears")
	rootCmd.Flags().StringVar(&postponeFlagFile, "postpone-cut-over-flag-file", config.EnvString("", "TABLESHIFT_POSTPONE_FLAG_FILE"), "Hold the cut-over while this file exists")

	rootCmd.Flags().DurationVar(&connectTimeout, "connect-timeout", 10*time.Second, "Timeout for one connection attempt")
	rootCmd.Flags().DurationVar(&rwTimeout, "rw-timeout", 60*time.Second, "Timeout for one statement")
	rootCmd.Flags().IntVar(&maxRetries, "max-retries", config.EnvInt(5, "TABLESHIFT_MAX_RETRIES"), "Connection attempts per connect/reconnect cycle")

	rootCmd.Flags().StringVar(&logFile, "log-file", config.EnvString("", "TABLESHIFT_LOG_FILE"), "Mirror logs into this rotating file")
	rootCmd.Flags().CountVarP(&verbosity, "verbose", "v", "Increase verbosity (-v debug, -vv trace)")

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded migration runs",
		RunE:  runHistory,
	}
	historyCmd.Flags().StringVar(&journalPath, "journal", config.EnvString("./tableshift.db", "TABLESHIFT_JOURNAL"), "SQLite journal path")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum runs to list")
	rootCmd.AddCommand(historyCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tableshift %s (commit: %s, built: %s)\n", version, commit, date)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("tableshift failed")
		os.Exit(exitCode(err))
	}
}

func run(cmd *cobra.Command, args []string) error {
	logging.Setup(verbosity, logFile)

	cfg := &config.Config{
		DB: config.DBConfig{
			Host:     host,
			Port:     port,
			User:     user,
			Password: password,
			Database: database,
			TLS:      useTLS,
		},
		Table:            table,
		Alter:            config.SplitAlter(alter),
		ChunkSize:        chunkSize,
		ChunkSleep:       chunkSleep,
		SwapTables:       swapTables,
		DropOldTable:     dropOldTable,
		DropTriggers:     dropTriggers,
		DropAuditTable:   dropAuditTable,
		Resume:           resume,
		JournalPath:      journalPath,
		StatusPort:       statusPort,
		PanicFlagFile:    panicFlagFile,
		PostponeFlagFile: postponeFlagFile,
		MaxRetries:       maxRetries,
		LogFile:          logFile,
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errConfig, err)
	}

	config.SetGlobalTimeouts(&config.TimeoutConfig{
		Connect:      connectTimeout,
		ReadWrite:    rwTimeout,
		CutoverRetry: config.DefaultTimeoutConfig().CutoverRetry,
	})

	log.Info().
		Str("version", version).
		Str("table", cfg.DB.Database+"."+cfg.Table).
		Strs("alter", cfg.Alter).
		Bool("resume", cfg.Resume).
		Msg("starting tableshift")

	j, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer j.Close()

	sess := session.New(session.Config{
		Host:             cfg.DB.Host,
		Port:             cfg.DB.Port,
		User:             cfg.DB.User,
		Password:         cfg.DB.Password,
		Database:         cfg.DB.Database,
		TLS:              cfg.DB.TLS,
		ConnectTimeout:   connectTimeout,
		ReadWriteTimeout: rwTimeout,
		MaxAttempts:      cfg.MaxRetries,
	})
	defer sess.Close()

	controls := flagfile.New(cfg.PanicFlagFile, cfg.PostponeFlagFile)
	if err := controls.Start(); err != nil {
		log.Warn().Err(err).Msg("flag file watcher unavailable, falling back to polling")
	}
	defer controls.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := sess.Open(ctx); err != nil {
		return fmt.Errorf("connecting to %s:%d: %w", cfg.DB.Host, cfg.DB.Port, err)
	}

	migrator := migrate.New(migrate.Config{
		Database:       cfg.DB.Database,
		Table:          cfg.Table,
		Alter:          cfg.Alter,
		ChunkSize:      cfg.ChunkSize,
		ChunkSleep:     cfg.ChunkSleep,
		SwapTables:     cfg.SwapTables,
		DropOldTable:   cfg.DropOldTable,
		DropTriggers:   cfg.DropTriggers,
		DropAuditTable: cfg.DropAuditTable,
		Resume:         cfg.Resume,
	}, sess, j, controls)

	if cfg.StatusPort > 0 {
		srv := status.NewServer(cfg.StatusPort, sess, migrator.Progress())
		go func() {
			if err := srv.Start(ctx); err != nil {
				log.Error().Err(err).Msg("status server error")
			}
		}()
	}

	if err := migrator.Run(ctx); err != nil {
		return err
	}

	log.Info().Msg("migration complete")
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	j, err := journal.Open(journalPath)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer j.Close()

	runs, err := j.ListRuns(historyLimit)
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Run ID", "Table", "Status", "Rows", "High Water", "Started", "Finished")
	for _, r := range runs {
		finished := "-"
		if r.FinishedAt.Valid {
			finished = r.FinishedAt.Time.Format(time.DateTime)
		}
		table.Append(
			r.ID,
			r.Database+"."+r.Table,
			r.Status,
			strconv.FormatInt(r.RowsCopied, 10),
			strconv.FormatInt(r.CopyHighWater, 10),
			r.StartedAt.Format(time.DateTime),
			finished,
		)
	}
	table.Render()
	return nil
}

// exitCode maps an error to the process exit code: configuration and
// authentication mistakes are distinguishable from an unreachable or
// flapping server, which is distinguishable from an internal failure.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errConfig), errors.Is(err, migrate.ErrPrecondition):
		return exitConfig
	}

	switch session.ClassOf(err) {
	case session.ClassConnect:
		if session.IsFatal(err) {
			return exitConfig
		}
		return exitUnreachable
	case session.ClassConnectivityLost, session.ClassTimeout:
		return exitUnreachable
	}
	return exitInternal
}
