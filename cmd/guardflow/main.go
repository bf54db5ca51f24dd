// guardflow 命令行：serve / chunk / migrate / health / version。
//
//	guardflow serve --config config.yaml --env-file .env
//	echo "Hello world." | guardflow chunk --strategy sentence
//	guardflow migrate up
//	guardflow health --addr http://localhost:8033

// @title GuardFlow API
// @version 1.0.0
// @description GuardFlow is a content-moderation guardrail pipeline: chunk text, fan out to detectors, aggregate and decide.

// @contact.name GuardFlow Team
// @contact.url https://github.com/BaSui01/guardflow

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8033
// @BasePath /
// @schemes http https

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
// @description API key for authentication

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/BaSui01/guardflow/api"
	"github.com/BaSui01/guardflow/api/handlers"
	"github.com/BaSui01/guardflow/chunking"
	"github.com/BaSui01/guardflow/config"
	"github.com/BaSui01/guardflow/types"
)

// 构建时通过 -ldflags 注入
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// errUsage 表示参数错误，退出码 2
var errUsage = errors.New("usage error")

type stdio struct {
	in  io.Reader
	out io.Writer
}

type command struct {
	summary string
	run     func(args []string, s stdio) error
}

func commands() map[string]command {
	return map[string]command{
		"serve":   {"Start the orchestrator server", func(args []string, _ stdio) error { return runServe(args) }},
		"chunk":   {"Chunk stdin and print spans as JSON", func(args []string, s stdio) error { return runChunk(args, s.in, s.out) }},
		"migrate": {"Audit database migrations (run 'migrate help')", func(args []string, s stdio) error { return runMigrate(args, s.out) }},
		"health":  {"Check server readiness", func(args []string, s stdio) error { return runHealthCheck(args, s.out) }},
		"version": {"Show version information", func(_ []string, s stdio) error { printVersion(s.out); return nil }},
	}
}

func main() {
	os.Exit(run(os.Args[1:], stdio{in: os.Stdin, out: os.Stdout}, os.Stderr))
}

// run dispatches to a subcommand and maps its error to an exit code.
func run(args []string, s stdio, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return 2
	}
	name := args[0]
	switch name {
	case "help", "-h", "--help":
		printUsage(s.out)
		return 0
	}

	cmd, ok := commands()[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", name)
		printUsage(stderr)
		return 2
	}

	err := cmd.run(args[1:], s)
	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprintf(stderr, "guardflow %s: %v\n", name, err)
		return 2
	default:
		fmt.Fprintf(stderr, "guardflow %s: %v\n", name, err)
		return 1
	}
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	envFile := fs.String("env-file", ".env", "dotenv file; the process environment takes precedence")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath, *envFile)
	if err != nil {
		return err
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting GuardFlow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.Int("detectors", len(cfg.Detectors)),
	)

	server := NewServer(cfg, logger)
	if err := server.Start(); err != nil {
		logger.Error("Failed to start server", zap.Error(err))
		return err
	}
	if err := server.WaitForShutdown(); err != nil {
		logger.Error("GuardFlow stopped with error", zap.Error(err))
		return err
	}
	logger.Info("GuardFlow stopped")
	return nil
}

// loadConfig 加载并校验配置。envFile 为空时不读取 dotenv。
func loadConfig(path, envFile string) (*config.Config, error) {
	loader := config.NewLoader().WithValidator((*config.Config).Validate)
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	if envFile != "" {
		loader = loader.WithDotEnv(envFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// runChunk 读取 stdin 并按 /api/v1/text/chunk 的格式输出分块结果
func runChunk(args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("chunk", flag.ContinueOnError)
	strategy := fs.String("strategy", string(chunking.StrategySentence), "sentence | fixed_window | recursive_window | whole_document")
	paramsJSON := fs.String("params", "", `Strategy params as JSON, e.g. '{"chunk_size":200}'`)
	encoding := fs.String("encoding", chunking.DefaultEncoding, "tiktoken encoding for token_count")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var params map[string]any
	if *paramsJSON != "" {
		if err := json.Unmarshal([]byte(*paramsJSON), &params); err != nil {
			return fmt.Errorf("invalid --params: %w", err)
		}
	}

	text, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	counter := chunking.NewFallbackCounter(chunking.NewTiktokenCounter(*encoding), zap.NewNop())
	service := chunking.NewService(types.ChunkerConfig{Strategy: *strategy}, counter, zap.NewNop())
	result, err := service.Chunk(string(text), *strategy, params)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(api.NewChunkResponse(result.Spans, result.TokenCount))
}

// runHealthCheck 查询 /ready；服务未就绪时返回错误，适合容器探针。
func runHealthCheck(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	addr := fs.String("addr", "http://localhost:8033", "Server address")
	timeout := fs.Duration("timeout", 5*time.Second, "Request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var body handlers.ServiceHealthResponse
	resp, err := resty.New().
		SetTimeout(*timeout).
		SetBaseURL(strings.TrimRight(*addr, "/")).
		R().
		SetContext(ctx).
		SetResult(&body).
		SetError(&body).
		Get("/ready")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("not ready: status %d (%s)", resp.StatusCode(), body.Status)
	}

	fmt.Fprintln(out, "OK", body.Status)
	return nil
}

func printVersion(out io.Writer) {
	fmt.Fprintf(out, "GuardFlow %s\n", Version)
	fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
	fmt.Fprintf(out, "  Go:         %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func printUsage(out io.Writer) {
	fmt.Fprint(out, "GuardFlow - content moderation guardrails\n\nUsage:\n  guardflow <command> [options]\n\nCommands:\n")

	cmds := commands()
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	slices.Sort(names)

	tw := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	for _, name := range names {
		fmt.Fprintf(tw, "  %s\t%s\n", name, cmds[name].summary)
	}
	fmt.Fprintf(tw, "  help\tShow this help message\n")
	tw.Flush()

	fmt.Fprint(out, "\nRun 'guardflow <command> -h' for command options.\n")
}
