package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tradeunify/internal/fallback/sqlite"
	"tradeunify/internal/logger"
	"tradeunify/internal/providers/comtrade"
)

var (
	logLevel  string
	logFormat string
)

func main() {
	root := &cobra.Command{
		Use:          "collector",
		Short:        "Download Comtrade monthly records into the fallback dataset",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	root.AddCommand(newRunCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "collector run failed:", err)
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	var (
		reporters string
		allowlist string
		from      int
		to        int
		limit     int
		dbPath    string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fetch reporters x years and upsert them into the fallback database",
		Long: `Fetches HS6 monthly records reported against the configured partner for
every reporter and year, and upserts them into the fallback SQLite database.
API keys are read from COMTRADE_PRIMARY_KEY and COMTRADE_SECONDARY_KEY.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.New(logger.Config{Level: logLevel, Format: logFormat}, "collector")
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runCollector(ctx, log, reporters, allowlist, from, to, limit, dbPath)
		},
	}
	f := cmd.Flags()
	f.StringVar(&reporters, "reporters", "", "comma-separated numeric reporter codes (e.g. 156,792)")
	f.StringVar(&allowlist, "allowlist", "", "file of reporter codes, one per line or comma-separated")
	f.IntVar(&from, "from", 0, "first year to fetch")
	f.IntVar(&to, "to", 0, "last year to fetch (default: --from)")
	f.IntVar(&limit, "limit", 0, "limit number of reporters (0 = all)")
	f.StringVar(&dbPath, "db", "fallback.db", "fallback sqlite database path")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

func runCollector(ctx context.Context, log *zap.Logger, reportersCSV, allowlistPath string, from, to, limit int, dbPath string) error {
	codes, err := parseCodes(splitTokens(reportersCSV))
	if err != nil {
		return err
	}
	if strings.TrimSpace(allowlistPath) != "" {
		loaded, err := loadAllowlist(allowlistPath)
		if err != nil {
			return err
		}
		codes = append(codes, loaded...)
	}
	codes = dedupe(codes)
	if limit > 0 && len(codes) > limit {
		codes = codes[:limit]
	}
	if len(codes) == 0 {
		return errors.New("no reporters provided (--reporters or --allowlist)")
	}

	client, err := comtrade.New(log)
	if err != nil {
		return err
	}

	st, err := sqlite.New(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := client.Collect(ctx, st, codes, from, to)
	if err != nil {
		if errors.Is(err, comtrade.ErrQuotaExceeded) {
			log.Error("quota exceeded; rerun later to continue", zap.Int("rows_stored", stats.Rows))
		}
		return err
	}

	total, err := st.Count(ctx)
	if err != nil {
		return err
	}
	log.Info("collector run complete",
		zap.Int("reporters", len(codes)),
		zap.Int("requests", stats.Requests),
		zap.Int("empty", stats.Empty),
		zap.Int("rows", stats.Rows),
		zap.Int("rows_total", total),
	)
	return nil
}

func loadAllowlist(path string) ([]int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var tokens []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		if line == "" {
			continue
		}
		tokens = append(tokens, splitTokens(line)...)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	codes, err := parseCodes(tokens)
	if err != nil {
		return nil, fmt.Errorf("allowlist %s: %w", path, err)
	}
	if len(codes) == 0 {
		return nil, errors.New("allowlist is empty")
	}
	return codes, nil
}

func splitTokens(line string) []string {
	replacer := strings.NewReplacer(";", ",", "\t", ",", " ", ",")
	parts := strings.Split(replacer.Replace(line), ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func parseCodes(tokens []string) ([]int, error) {
	codes := make([]int, 0, len(tokens))
	for _, token := range tokens {
		code, err := strconv.Atoi(token)
		if err != nil || code <= 0 {
			return nil, fmt.Errorf("invalid reporter code %q", token)
		}
		codes = append(codes, code)
	}
	return codes, nil
}

func dedupe(codes []int) []int {
	seen := make(map[int]struct{}, len(codes))
	out := make([]int, 0, len(codes))
	for _, code := range codes {
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	sort.Ints(out)
	return out
}
