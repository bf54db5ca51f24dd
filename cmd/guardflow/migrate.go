package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/BaSui01/guardflow/internal/migration"
)

// runMigrate 执行审计库迁移子命令。steps 与 force 带一个位置参数，其余为 flags。
func runMigrate(args []string, out io.Writer) error {
	if len(args) == 0 {
		printMigrateUsage(out)
		return fmt.Errorf("%w: missing subcommand", errUsage)
	}

	action, rest := args[0], args[1:]
	switch action {
	case "help", "-h", "--help":
		printMigrateUsage(out)
		return nil
	}

	var positional []string
	if (action == "steps" || action == "force") && len(rest) > 0 {
		positional, rest = rest[:1], rest[1:]
	}

	migrator, err := createMigrator(action, rest)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cli := migration.NewCLI(migrator)
	cli.SetOutput(out)
	runErr := cli.Run(ctx, action, positional)
	return errors.Join(runErr, migrator.Close())
}

// createMigrator 优先使用 --db-type/--db-url，否则读取配置文件中的 database 段
func createMigrator(action string, args []string) (*migration.DefaultMigrator, error) {
	fs := flag.NewFlagSet("migrate "+action, flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	envFile := fs.String("env-file", ".env", "dotenv file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *dbURL != "" {
		if *dbType == "" {
			return nil, fmt.Errorf("%w: --db-url requires --db-type", errUsage)
		}
		t, err := migration.ParseDatabaseType(*dbType)
		if err != nil {
			return nil, err
		}
		return migration.NewMigrator(&migration.Config{DatabaseType: t, DatabaseURL: *dbURL})
	}

	cfg, err := loadConfig(*configPath, *envFile)
	if err != nil {
		return nil, err
	}
	if *dbType != "" {
		cfg.Database.Driver = *dbType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database, nil)
}

func printMigrateUsage(out io.Writer) {
	fmt.Fprint(out, "Audit database migrations\n\nUsage:\n  guardflow migrate <subcommand> [arg] [options]\n\nSubcommands:\n")
	fmt.Fprint(out, migration.Actions())
	fmt.Fprint(out, `  help     show this help message

Options:
  --config <path>     configuration file (YAML)
  --env-file <path>   dotenv file (default .env)
  --db-type <type>    postgres, mysql or sqlite (default: from config)
  --db-url <url>      connection URL, requires --db-type (default: from config)

Examples:
  guardflow migrate up --config /etc/guardflow/config.yaml
  guardflow migrate steps -1
  guardflow migrate up --db-type sqlite --db-url "file:audit.db?mode=rwc"
`)
}
