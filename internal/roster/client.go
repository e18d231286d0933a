// Package roster предоставляет клиент внешней таблицы участников (SheetDB-совместимый JSON API).
package roster

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Record — строка таблицы участников: имя колонки → значение.
type Record map[string]string

// Client инкапсулирует HTTP-взаимодействие с таблицей участников.
type Client struct {
	url        string
	httpClient *retryablehttp.Client
}

// NewClient создаёт клиент для указанного адреса. Временные ошибки и ответы 5xx/429 повторяются.
func NewClient(url string, logger *zap.Logger) *Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 5 * time.Second
	c.HTTPClient.Timeout = 15 * time.Second
	c.Logger = nil
	if logger != nil {
		c.Logger = leveledLogger{logger.Sugar()}
	}

	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}

	return &Client{
		url:        url,
		httpClient: c,
	}
}

// Fetch загружает все строки таблицы.
func (c *Client) Fetch(ctx context.Context) ([]Record, error) {
	if c == nil || c.url == "" {
		return nil, fmt.Errorf("roster client not configured")
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()

	var raw []map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	records := make([]Record, 0, len(raw))
	for _, row := range raw {
		rec := make(Record, len(row))
		for k, v := range row {
			switch val := v.(type) {
			case nil:
				rec[k] = ""
			case string:
				rec[k] = val
			default:
				rec[k] = fmt.Sprint(val)
			}
		}
		records = append(records, rec)
	}

	return records, nil
}

type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, keysAndValues...)
}
func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Infow(msg, keysAndValues...)
}
func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}
func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.s.Warnw(msg, keysAndValues...)
}
