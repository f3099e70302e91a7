// Package comtrade downloads monthly HS6 records from the UN Comtrade API
// into the fallback dataset.
package comtrade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"tradeunify/internal/fallback"
)

const (
	defaultBaseURL         = "https://comtradeapi.un.org/"
	defaultDataPath        = "data/v1/get/{type}/{freq}/{cl}"
	defaultAPIKeyParam     = "subscription-key"
	defaultType            = "C"
	defaultFrequency       = "M"
	defaultClassification  = "HS"
	defaultCommodity       = "AG6"
	defaultFlows           = "M,X"
	defaultPartnerCode     = "643"
	defaultCustomsCode     = "C00"
	defaultCommodityLength = 6
	defaultMaxRecords      = 250000
	defaultRateLimitPerSec = 1
	defaultRateLimitBurst  = 1
	defaultTimeoutSeconds  = 120
	defaultUserAgent       = "tradeunify-collector/1.0"
	defaultMaxRetries      = 3
)

var ErrNoRecords = errors.New("comtrade: no records found")
var ErrQuotaExceeded = errors.New("comtrade: quota exceeded")

type Config struct {
	BaseURL         string
	DataPath        string
	APIKeyPrimary   string
	APIKeySecondary string
	APIKeyParam     string
	Type            string
	Frequency       string
	Classification  string
	Commodity       string
	Flows           string
	// PartnerCode is the single counterpart all records are reported against.
	PartnerCode     string
	CustomsCode     string
	CommodityLength int
	MaxRecords      int
	Timeout         time.Duration
	UserAgent       string
	RateLimitPerSec int
	RateLimitBurst  int
	MaxRetries      int
}

type Client struct {
	config  Config
	client  *http.Client
	limiter *rateLimiter
	logger  *zap.Logger
}

func New(logger *zap.Logger) (*Client, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfg, logger)
}

func NewWithConfig(cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if strings.TrimSpace(cfg.DataPath) == "" {
		cfg.DataPath = defaultDataPath
	}
	if strings.TrimSpace(cfg.APIKeyParam) == "" {
		cfg.APIKeyParam = defaultAPIKeyParam
	}
	if strings.TrimSpace(cfg.Type) == "" {
		cfg.Type = defaultType
	}
	if strings.TrimSpace(cfg.Frequency) == "" {
		cfg.Frequency = defaultFrequency
	}
	if strings.TrimSpace(cfg.Classification) == "" {
		cfg.Classification = defaultClassification
	}
	if strings.TrimSpace(cfg.Commodity) == "" {
		cfg.Commodity = defaultCommodity
	}
	if strings.TrimSpace(cfg.Flows) == "" {
		cfg.Flows = defaultFlows
	}
	if strings.TrimSpace(cfg.PartnerCode) == "" {
		cfg.PartnerCode = defaultPartnerCode
	}
	if strings.TrimSpace(cfg.CustomsCode) == "" {
		cfg.CustomsCode = defaultCustomsCode
	}
	if cfg.CommodityLength <= 0 {
		cfg.CommodityLength = defaultCommodityLength
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = defaultMaxRecords
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeoutSeconds * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = defaultRateLimitBurst
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	return &Client{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: newRateLimiter(cfg.RateLimitPerSec, cfg.RateLimitBurst),
		logger:  logger,
	}, nil
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{
		BaseURL:         getenv("COMTRADE_BASE_URL", defaultBaseURL),
		DataPath:        getenv("COMTRADE_DATA_PATH", defaultDataPath),
		APIKeyPrimary:   strings.TrimSpace(os.Getenv("COMTRADE_PRIMARY_KEY")),
		APIKeySecondary: strings.TrimSpace(os.Getenv("COMTRADE_SECONDARY_KEY")),
		APIKeyParam:     getenv("COMTRADE_API_KEY_PARAM", defaultAPIKeyParam),
		Type:            getenv("COMTRADE_TYPE", defaultType),
		Frequency:       getenv("COMTRADE_FREQUENCY", defaultFrequency),
		Classification:  getenv("COMTRADE_CLASSIFICATION", defaultClassification),
		Commodity:       getenv("COMTRADE_COMMODITY", defaultCommodity),
		Flows:           getenv("COMTRADE_FLOWS", defaultFlows),
		PartnerCode:     getenv("COMTRADE_PARTNER_CODE", defaultPartnerCode),
		CustomsCode:     getenv("COMTRADE_CUSTOMS_CODE", defaultCustomsCode),
	}

	cfg.CommodityLength = getenvInt("COMTRADE_COMMODITY_LENGTH", defaultCommodityLength)
	cfg.MaxRecords = getenvInt("COMTRADE_MAX_RECORDS", defaultMaxRecords)
	cfg.Timeout = time.Duration(getenvInt("COMTRADE_TIMEOUT_SECONDS", defaultTimeoutSeconds)) * time.Second
	cfg.RateLimitPerSec = getenvInt("COMTRADE_RATE_LIMIT_PER_SEC", defaultRateLimitPerSec)
	cfg.RateLimitBurst = getenvInt("COMTRADE_RATE_LIMIT_BURST", defaultRateLimitBurst)
	cfg.MaxRetries = getenvInt("COMTRADE_MAX_RETRIES", defaultMaxRetries)

	return cfg, nil
}

// Sink receives fetched rows; *sqlite.Store from internal/fallback/sqlite
// satisfies it.
type Sink interface {
	Upsert(ctx context.Context, rows []fallback.Row) error
}

type CollectStats struct {
	Requests int
	Empty    int
	Rows     int
}

// Collect fetches every (reporter, year) pair and writes each non-empty
// answer to sink before moving on, so an interrupted run keeps what it got.
func (c *Client) Collect(ctx context.Context, sink Sink, reporters []int, from, to int) (CollectStats, error) {
	var stats CollectStats
	years, err := buildYearRange(from, to)
	if err != nil {
		return stats, err
	}
	for _, reporter := range reporters {
		for _, year := range years {
			stats.Requests++
			rows, err := c.FetchYear(ctx, reporter, year)
			if errors.Is(err, ErrNoRecords) {
				stats.Empty++
				c.logger.Info("no records", zap.Int("reporter", reporter), zap.Int("year", year))
				continue
			}
			if err != nil {
				return stats, fmt.Errorf("reporter %d year %d: %w", reporter, year, err)
			}
			if err := sink.Upsert(ctx, rows); err != nil {
				return stats, err
			}
			stats.Rows += len(rows)
			c.logger.Info("records stored",
				zap.Int("reporter", reporter),
				zap.Int("year", year),
				zap.Int("rows", len(rows)),
			)
		}
	}
	return stats, nil
}

// FetchYear requests the twelve months of year for one reporter and keeps
// customs-total, all-transport, single-partner rows at the configured
// commodity depth.
func (c *Client) FetchYear(ctx context.Context, reporterCode, year int) ([]fallback.Row, error) {
	months := make([]string, 0, 12)
	for m := 1; m <= 12; m++ {
		months = append(months, fmt.Sprintf("%04d%02d", year, m))
	}

	params := url.Values{}
	params.Set("reporterCode", strconv.Itoa(reporterCode))
	params.Set("flowCode", c.config.Flows)
	params.Set("period", strings.Join(months, ","))
	params.Set("cmdCode", c.config.Commodity)
	params.Set("partnerCode", c.config.PartnerCode)
	params.Set("partner2Code", "0")
	params.Set("customsCode", c.config.CustomsCode)
	params.Set("motCode", "0")
	params.Set("includeDesc", "false")
	if c.config.MaxRecords > 0 {
		params.Set("maxRecords", strconv.Itoa(c.config.MaxRecords))
	}

	body, err := c.doRequest(ctx, c.dataURL(), params)
	if err != nil {
		return nil, err
	}

	rows, err := c.parseRows(body)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNoRecords
	}
	return rows, nil
}

func (c *Client) dataURL() string {
	path := strings.TrimLeft(c.config.DataPath, "/")
	path = strings.ReplaceAll(path, "{type}", url.PathEscape(c.config.Type))
	path = strings.ReplaceAll(path, "{freq}", url.PathEscape(c.config.Frequency))
	path = strings.ReplaceAll(path, "{cl}", url.PathEscape(c.config.Classification))
	return strings.TrimRight(c.config.BaseURL, "/") + "/" + path
}

func (c *Client) doRequest(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	keys := []string{}
	if strings.TrimSpace(c.config.APIKeyPrimary) != "" {
		keys = append(keys, c.config.APIKeyPrimary)
	}
	if strings.TrimSpace(c.config.APIKeySecondary) != "" && c.config.APIKeySecondary != c.config.APIKeyPrimary {
		keys = append(keys, c.config.APIKeySecondary)
	}
	if len(keys) == 0 {
		return nil, errors.New("comtrade: api key is required (COMTRADE_PRIMARY_KEY)")
	}

	var lastErr error
	for i, key := range keys {
		attempts := c.config.MaxRetries + 1
		for attempt := 0; attempt < attempts; attempt++ {
			body, status, retryAfter, err := c.doRequestWithKey(ctx, endpoint, params, key)
			if err == nil {
				return body, nil
			}
			lastErr = err
			if status == http.StatusUnauthorized || status == http.StatusForbidden {
				if i < len(keys)-1 {
					c.logger.Warn("api key rejected; rotating to secondary key", zap.Int("status", status))
				}
				break
			}
			if status == http.StatusTooManyRequests && attempt < attempts-1 {
				if retryAfter <= 0 {
					retryAfter = time.Second
				}
				c.logger.Warn("rate limited; retrying", zap.Duration("retry_after", retryAfter), zap.Int("attempt", attempt+1))
				if err := sleepWithContext(ctx, retryAfter); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("comtrade: request failed")
}

func (c *Client) doRequestWithKey(ctx context.Context, endpoint string, params url.Values, apiKey string) ([]byte, int, time.Duration, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL(endpoint, params, apiKey), nil)
	if err != nil {
		return nil, 0, 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Ocp-Apim-Subscription-Key", apiKey)
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, 0, err
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		retryAfter := parseRetryAfter(resp, body)
		if resp.StatusCode == http.StatusForbidden && isQuotaExceeded(body) {
			return nil, resp.StatusCode, retryAfter, fmt.Errorf("%w: %s", ErrQuotaExceeded, strings.TrimSpace(string(body)))
		}
		return nil, resp.StatusCode, retryAfter, fmt.Errorf("comtrade: request failed (%s): %s", resp.Status, strings.TrimSpace(string(body)))
	}

	return body, resp.StatusCode, 0, nil
}

func (c *Client) buildURL(endpoint string, params url.Values, apiKey string) string {
	query := url.Values{}
	for key, values := range params {
		for _, value := range values {
			query.Add(key, value)
		}
	}
	if strings.TrimSpace(c.config.APIKeyParam) != "" {
		query.Set(c.config.APIKeyParam, apiKey)
	}
	return endpoint + "?" + query.Encode()
}

type rateLimiter struct {
	tokens chan struct{}
}

func newRateLimiter(ratePerSec, burst int) *rateLimiter {
	if ratePerSec <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}

	limiter := &rateLimiter{
		tokens: make(chan struct{}, burst),
	}
	for i := 0; i < burst; i++ {
		limiter.tokens <- struct{}{}
	}

	interval := time.Second / time.Duration(ratePerSec)
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		for range ticker.C {
			select {
			case limiter.tokens <- struct{}{}:
			default:
			}
		}
	}()

	return limiter
}

func (l *rateLimiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.tokens:
		return nil
	}
}

// parseRows decodes the data payload and applies the row filters the API
// parameters cannot fully enforce.
func (c *Client) parseRows(body []byte) ([]fallback.Row, error) {
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("comtrade: decode response: %w", err)
	}
	items, err := extractRows(payload)
	if err != nil {
		return nil, err
	}

	rows := make([]fallback.Row, 0, len(items))
	skipped := 0
	for _, item := range items {
		row, ok := c.toRow(item)
		if !ok {
			skipped++
			continue
		}
		rows = append(rows, row)
	}
	if skipped > 0 {
		c.logger.Debug("rows filtered", zap.Int("kept", len(rows)), zap.Int("skipped", skipped))
	}
	return rows, nil
}

func (c *Client) toRow(item map[string]any) (fallback.Row, bool) {
	if customs, ok := getString(item, "customsCode"); ok && customs != c.config.CustomsCode {
		return fallback.Row{}, false
	}
	if mot, ok := getFloat(item, "motCode"); ok && mot != 0 {
		return fallback.Row{}, false
	}
	if p2, ok := getFloat(item, "partner2Code"); ok && p2 != 0 {
		return fallback.Row{}, false
	}

	cmd, ok := getString(item, "cmdCode")
	if !ok || len(cmd) != c.config.CommodityLength {
		return fallback.Row{}, false
	}
	reporter, ok := getFloat(item, "reporterCode")
	if !ok {
		return fallback.Row{}, false
	}
	flow, ok := getString(item, "flowCode")
	if !ok {
		return fallback.Row{}, false
	}
	rawPeriod, ok := getString(item, "period", "refPeriodId")
	if !ok {
		return fallback.Row{}, false
	}
	period, err := fallback.ParsePeriod(rawPeriod)
	if err != nil {
		return fallback.Row{}, false
	}
	unit, _ := getFloat(item, "qtyUnitCode")

	return fallback.Row{
		ReporterCode: int(reporter),
		CmdCode:      cmd,
		FlowCode:     strings.ToUpper(flow),
		Period:       period,
		QtyUnitCode:  int(unit),
		Value:        optionalFloat(item, "primaryValue", "fobvalue", "cifvalue"),
		NetWeight:    optionalFloat(item, "netWgt"),
		Quantity:     optionalFloat(item, "qty"),
	}, true
}

func optionalFloat(row map[string]any, keys ...string) *float64 {
	v, ok := getFloat(row, keys...)
	if !ok {
		return nil
	}
	return &v
}

func extractRows(payload any) ([]map[string]any, error) {
	switch typed := payload.(type) {
	case []any:
		return toRowList(typed), nil
	case map[string]any:
		for _, key := range []string{"data", "Data", "dataset", "Dataset", "results", "Results"} {
			if raw, ok := typed[key]; ok {
				if raw == nil {
					return nil, nil
				}
				return extractRows(raw)
			}
		}
		if msg, ok := getString(typed, "error", "message"); ok {
			return nil, fmt.Errorf("comtrade: %s", msg)
		}
		return nil, errors.New("comtrade: unexpected response shape")
	default:
		return nil, errors.New("comtrade: unexpected response type")
	}
}

func toRowList(items []any) []map[string]any {
	rows := make([]map[string]any, 0, len(items))
	for _, item := range items {
		row, ok := item.(map[string]any)
		if !ok {
			continue
		}
		rows = append(rows, row)
	}
	return rows
}

func getString(row map[string]any, keys ...string) (string, bool) {
	value, ok := getValue(row, keys...)
	if !ok {
		return "", false
	}
	switch typed := value.(type) {
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return "", false
		}
		return trimmed, true
	case json.Number:
		return typed.String(), true
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), true
	default:
		return "", false
	}
}

func getFloat(row map[string]any, keys ...string) (float64, bool) {
	value, ok := getValue(row, keys...)
	if !ok {
		return 0, false
	}
	switch typed := value.(type) {
	case float64:
		return typed, true
	case json.Number:
		parsed, err := typed.Float64()
		if err != nil {
			return 0, false
		}
		return parsed, true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// getValue skips JSON nulls so a null field reads as absent.
func getValue(row map[string]any, keys ...string) (any, bool) {
	for _, key := range keys {
		if value, ok := row[key]; ok && value != nil {
			return value, true
		}
	}
	for rowKey, value := range row {
		for _, key := range keys {
			if strings.EqualFold(rowKey, key) && value != nil {
				return value, true
			}
		}
	}
	return nil, false
}

func parseRetryAfter(resp *http.Response, body []byte) time.Duration {
	if resp != nil {
		if value := strings.TrimSpace(resp.Header.Get("Retry-After")); value != "" {
			if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
			if when, err := time.Parse(http.TimeFormat, value); err == nil {
				wait := time.Until(when)
				if wait > 0 {
					return wait
				}
			}
		}
	}

	if len(body) == 0 {
		return 0
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0
	}
	message, _ := payload["message"].(string)
	seconds := parseRetrySeconds(message)
	if seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}

func isQuotaExceeded(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil {
		if message, ok := payload["message"].(string); ok {
			return strings.Contains(strings.ToLower(message), "quota")
		}
	}
	return strings.Contains(strings.ToLower(string(body)), "quota")
}

func parseRetrySeconds(message string) int {
	msg := strings.ToLower(message)
	marker := "try again in"
	idx := strings.Index(msg, marker)
	if idx == -1 {
		return 0
	}
	fragment := msg[idx+len(marker):]
	for _, part := range strings.Fields(fragment) {
		if value, err := strconv.Atoi(part); err == nil && value > 0 {
			return value
		}
	}
	return 0
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func buildYearRange(from, to int) ([]int, error) {
	if from <= 0 && to <= 0 {
		return nil, errors.New("comtrade: year range is required")
	}
	if from <= 0 {
		from = to
	}
	if to <= 0 {
		to = from
	}
	if from > to {
		from, to = to, from
	}
	years := make([]int, 0, to-from+1)
	for year := from; year <= to; year++ {
		years = append(years, year)
	}
	return years, nil
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
