package migration

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"

	"github.com/BaSui01/guardflow/config"
)

//go:embed migrations
var migrationsFS embed.FS

// DatabaseType names an audit database dialect.
type DatabaseType string

const (
	DatabaseTypePostgres DatabaseType = "postgres"
	DatabaseTypeMySQL    DatabaseType = "mysql"
	DatabaseTypeSQLite   DatabaseType = "sqlite"
)

// dialect 每种数据库的驱动名、迁移驱动与连接串格式
type dialect struct {
	sqlDriver string
	aliases   []string
	instance  func(db *sql.DB, table string) (database.Driver, error)
	url       func(host string, port int, name, user, password, sslMode string) string
}

// sqlite 连接由二进制链接的纯 Go 驱动注册（非 cgo）
var dialects = map[DatabaseType]dialect{
	DatabaseTypePostgres: {
		sqlDriver: "postgres",
		aliases:   []string{"postgresql", "pg"},
		instance: func(db *sql.DB, table string) (database.Driver, error) {
			return postgres.WithInstance(db, &postgres.Config{MigrationsTable: table})
		},
		url: func(host string, port int, name, user, password, sslMode string) string {
			if sslMode == "" {
				sslMode = "require"
			}
			return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", user, password, host, port, name, sslMode)
		},
	},
	DatabaseTypeMySQL: {
		sqlDriver: "mysql",
		aliases:   []string{"mariadb"},
		instance: func(db *sql.DB, table string) (database.Driver, error) {
			return mysql.WithInstance(db, &mysql.Config{MigrationsTable: table})
		},
		url: func(host string, port int, name, user, password, _ string) string {
			return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true", user, password, host, port, name)
		},
	},
	DatabaseTypeSQLite: {
		sqlDriver: "sqlite",
		aliases:   []string{"sqlite3"},
		instance: func(db *sql.DB, table string) (database.Driver, error) {
			return sqlite3.WithInstance(db, &sqlite3.Config{MigrationsTable: table})
		},
		url: func(_ string, _ int, name, _, _, _ string) string {
			return fmt.Sprintf("file:%s?mode=rwc", name)
		},
	},
}

// ParseDatabaseType accepts a dialect name or one of its aliases.
func ParseDatabaseType(s string) (DatabaseType, error) {
	s = strings.ToLower(s)
	for t, d := range dialects {
		if s == string(t) {
			return t, nil
		}
		for _, a := range d.aliases {
			if s == a {
				return t, nil
			}
		}
	}
	return "", fmt.Errorf("unsupported database type: %s", s)
}

// BuildDatabaseURL formats a connection URL. For sqlite dbName is the file path.
func BuildDatabaseURL(dbType DatabaseType, host string, port int, dbName, username, password, sslMode string) string {
	d, ok := dialects[dbType]
	if !ok {
		return ""
	}
	return d.url(host, port, dbName, username, password, sslMode)
}

// GetMigrationsPath returns the embedded directory for a database type.
func GetMigrationsPath(dbType DatabaseType) string {
	return path.Join("migrations", string(dbType))
}

// MigrationStatus is one embedded migration against the live version.
type MigrationStatus struct {
	Version uint
	Name    string
	Applied bool
	Dirty   bool
}

// MigrationInfo summarizes the schema state.
type MigrationInfo struct {
	CurrentVersion    uint
	Dirty             bool
	TotalMigrations   int
	AppliedMigrations int
	PendingMigrations int
}

// Config 迁移器配置
type Config struct {
	DatabaseType DatabaseType
	// postgres://user:pw@host:port/db?sslmode=disable
	// user:pw@tcp(host:port)/db?parseTime=true&multiStatements=true
	// file:path/to/audit.db?mode=rwc
	DatabaseURL string
	TableName   string        // 默认 schema_migrations
	LockTimeout time.Duration // 等待其他迁移进程释放锁的上限
	Logger      *zap.Logger
}

// Migrator manages the audit schema.
type Migrator interface {
	Up(ctx context.Context) error
	Down(ctx context.Context) error
	// Steps applies (n > 0) or rolls back (n < 0) n migrations.
	Steps(ctx context.Context, n int) error
	// Force sets the version without running migrations, to clear a dirty state.
	Force(ctx context.Context, version int) error
	Version(ctx context.Context) (uint, bool, error)
	Status(ctx context.Context) ([]MigrationStatus, error)
	Info(ctx context.Context) (*MigrationInfo, error)
	Close() error
}

// DefaultMigrator runs the embedded SQL files through golang-migrate.
type DefaultMigrator struct {
	dbType  DatabaseType
	migrate *migrate.Migrate
	db      *sql.DB
	logger  *zap.Logger
}

var _ Migrator = (*DefaultMigrator)(nil)

// NewMigrator opens the database and loads the embedded migrations.
func NewMigrator(cfg *Config) (*DefaultMigrator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required")
	}
	d, ok := dialects[cfg.DatabaseType]
	if !ok {
		return nil, fmt.Errorf("unsupported database type: %s", cfg.DatabaseType)
	}
	table := cfg.TableName
	if table == "" {
		table = "schema_migrations"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open(d.sqlDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	m, err := newMigrate(db, d, cfg.DatabaseType, table)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize migrator: %w", err)
	}
	m.LockTimeout = cfg.LockTimeout
	if m.LockTimeout == 0 {
		m.LockTimeout = 15 * time.Second
	}
	m.Log = migrateLogger{logger.Sugar()}

	return &DefaultMigrator{
		dbType:  cfg.DatabaseType,
		migrate: m,
		db:      db,
		logger:  logger.With(zap.String("component", "migration"), zap.String("dialect", string(cfg.DatabaseType))),
	}, nil
}

func newMigrate(db *sql.DB, d dialect, dbType DatabaseType, table string) (*migrate.Migrate, error) {
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	target, err := d.instance(db, table)
	if err != nil {
		return nil, fmt.Errorf("database driver: %w", err)
	}
	src, err := iofs.New(migrationsFS, GetMigrationsPath(dbType))
	if err != nil {
		return nil, fmt.Errorf("source driver: %w", err)
	}
	return migrate.NewWithInstance("iofs", src, string(dbType), target)
}

// NewMigratorFromDatabaseConfig builds a migrator for the configured audit database.
func NewMigratorFromDatabaseConfig(dbCfg config.DatabaseConfig, logger *zap.Logger) (*DefaultMigrator, error) {
	if dbCfg.Driver == "" {
		return nil, errors.New("database.driver is not configured")
	}
	dbType, err := ParseDatabaseType(dbCfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("invalid database type: %w", err)
	}
	sslMode := ""
	if dbType == DatabaseTypePostgres {
		sslMode = dbCfg.SSLMode
	}
	return NewMigrator(&Config{
		DatabaseType: dbType,
		DatabaseURL:  BuildDatabaseURL(dbType, dbCfg.Host, dbCfg.Port, dbCfg.Name, dbCfg.User, dbCfg.Password, sslMode),
		Logger:       logger,
	})
}

// run executes op; if ctx ends first the migrator stops after the
// migration in progress.
func (m *DefaultMigrator) run(ctx context.Context, what string, op func() error) error {
	done := make(chan error, 1)
	go func() { done <- op() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		m.logger.Warn("stopping after current migration", zap.String("op", what))
		m.migrate.GracefulStop <- true
		err = <-done
		select {
		case <-m.migrate.GracefulStop:
		default:
		}
		if err == nil {
			err = ctx.Err()
		}
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration %s failed: %w", what, err)
	}
	return nil
}

// Up applies all pending migrations. Already current is not an error.
func (m *DefaultMigrator) Up(ctx context.Context) error {
	return m.run(ctx, "up", m.migrate.Up)
}

// Down rolls back the most recent migration.
func (m *DefaultMigrator) Down(ctx context.Context) error {
	return m.Steps(ctx, -1)
}

func (m *DefaultMigrator) Steps(ctx context.Context, n int) error {
	return m.run(ctx, "steps", func() error { return m.migrate.Steps(n) })
}

func (m *DefaultMigrator) Force(ctx context.Context, version int) error {
	if err := m.migrate.Force(version); err != nil {
		return fmt.Errorf("migration force failed: %w", err)
	}
	m.logger.Info("schema version forced", zap.Int("version", version))
	return nil
}

// Version returns 0 when nothing has been applied.
func (m *DefaultMigrator) Version(ctx context.Context) (uint, bool, error) {
	version, dirty, err := m.migrate.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("failed to get version: %w", err)
	}
	return version, dirty, nil
}

// Status lists every embedded migration with its applied state.
func (m *DefaultMigrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	current, dirty, err := m.Version(ctx)
	if err != nil {
		return nil, err
	}
	files, err := availableMigrations(m.dbType)
	if err != nil {
		return nil, err
	}
	out := make([]MigrationStatus, len(files))
	for i, f := range files {
		out[i] = MigrationStatus{
			Version: f.version,
			Name:    f.name,
			Applied: f.version <= current,
			Dirty:   dirty && f.version == current,
		}
	}
	return out, nil
}

func (m *DefaultMigrator) Info(ctx context.Context) (*MigrationInfo, error) {
	statuses, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	info := &MigrationInfo{TotalMigrations: len(statuses)}
	for _, s := range statuses {
		if s.Applied {
			info.AppliedMigrations++
			info.CurrentVersion = s.Version
		}
		info.Dirty = info.Dirty || s.Dirty
	}
	info.PendingMigrations = info.TotalMigrations - info.AppliedMigrations
	return info, nil
}

// Close releases the source and the database connection.
func (m *DefaultMigrator) Close() error {
	if m.migrate == nil {
		return nil
	}
	srcErr, dbErr := m.migrate.Close()
	return errors.Join(srcErr, dbErr)
}

type migrationFile struct {
	version uint
	name    string
}

// availableMigrations walks the embedded up migrations in version order.
func availableMigrations(dbType DatabaseType) ([]migrationFile, error) {
	src, err := iofs.New(migrationsFS, GetMigrationsPath(dbType))
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}
	defer src.Close()

	var files []migrationFile
	version, err := src.First()
	for err == nil {
		var name string
		if name, err = upIdentifier(src, version); err != nil {
			return nil, err
		}
		files = append(files, migrationFile{version: version, name: name})
		version, err = src.Next(version)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}
	return files, nil
}

func upIdentifier(src source.Driver, version uint) (string, error) {
	r, name, err := src.ReadUp(version)
	if err != nil {
		return "", fmt.Errorf("read migration %d: %w", version, err)
	}
	r.Close()
	return name, nil
}

// migrateLogger routes golang-migrate's progress lines to zap.
type migrateLogger struct {
	s *zap.SugaredLogger
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.s.Infof(strings.TrimRight(format, "\n"), v...)
}

func (l migrateLogger) Verbose() bool { return false }
