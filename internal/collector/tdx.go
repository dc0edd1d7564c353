package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/phuslu/log"
	"golang.org/x/time/rate"

	"github.com/oficcejo/stock-ma30/internal/model"
)

// priceScale is the factor the TDX gateway multiplies prices by.
const priceScale = 1000.0

// TDXFetcher implements Fetcher against a tdx-api HTTP gateway.
type TDXFetcher struct {
	BaseURL string
	Client  *http.Client
	limiter *rate.Limiter
}

// NewTDXFetcher creates a fetcher with optional proxy support. rps <= 0 disables pacing.
func NewTDXFetcher(baseURL, proxyURL string, rps float64, timeout time.Duration) *TDXFetcher {
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = max(1, int(rps))
	}
	return &TDXFetcher{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (f *TDXFetcher) Name() string { return "tdx" }

// tdxEnvelope is the common response wrapper of the gateway.
type tdxEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// tdxBar is one kline row; prices are scaled by priceScale.
type tdxBar struct {
	Time   string  `json:"Time"`
	Open   float64 `json:"Open"`
	High   float64 `json:"High"`
	Low    float64 `json:"Low"`
	Close  float64 `json:"Close"`
	Volume float64 `json:"Volume"`
}

func (f *TDXFetcher) WeeklyBars(ctx context.Context, code string, count int) ([]model.OHLCV, error) {
	return f.kline(ctx, code, "week", count)
}

func (f *TDXFetcher) DailyBars(ctx context.Context, code string, count int) ([]model.OHLCV, error) {
	return f.kline(ctx, code, "day", count)
}

func (f *TDXFetcher) Instruments(ctx context.Context) ([]model.Instrument, error) {
	data, err := f.get(ctx, "/api/codes", nil)
	if err != nil {
		return nil, err
	}
	items, err := decodeCodes(data)
	if err != nil {
		return nil, fmt.Errorf("decode codes: %w", err)
	}
	out := make([]model.Instrument, 0, len(items))
	for _, it := range items {
		code := normalizeCode(it.Code)
		if code == "" {
			continue
		}
		out = append(out, model.Instrument{
			Code:     code,
			Name:     it.Name,
			Exchange: it.Exchange,
			Board:    model.ClassifyBoard(code),
		})
	}
	log.Debug().Int("count", len(out)).Msg("tdx instruments loaded")
	return out, nil
}

type codeItem struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Exchange string `json:"exchange"`
}

// decodeCodes accepts both {"codes":[...]} and a bare array.
func decodeCodes(data []byte) ([]codeItem, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '{' {
		var wrapped struct {
			Codes []codeItem `json:"codes"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, err
		}
		return wrapped.Codes, nil
	}
	var items []codeItem
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (f *TDXFetcher) kline(ctx context.Context, code, ktype string, count int) ([]model.OHLCV, error) {
	q := url.Values{}
	// passed through as-is so prefixed index codes (sh000001) stay distinct from stocks
	q.Set("code", strings.TrimSpace(code))
	q.Set("type", ktype)
	data, err := f.get(ctx, "/api/kline", q)
	if err != nil {
		return nil, fmt.Errorf("%s %s bars: %w", code, ktype, err)
	}

	var payload struct {
		List []tdxBar `json:"List"`
	}
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("%w: decode %s %s bars: %v", model.ErrInvalidBarData, code, ktype, err)
		}
	}
	if len(payload.List) == 0 {
		return nil, fmt.Errorf("%w: no %s bars for %s", model.ErrInsufficientHistory, ktype, code)
	}

	bars := make([]model.OHLCV, 0, len(payload.List))
	for _, b := range payload.List {
		t, err := parseBarTime(b.Time)
		if err != nil {
			return nil, fmt.Errorf("%w: %s bar time %q", model.ErrInvalidBarData, code, b.Time)
		}
		bars = append(bars, model.OHLCV{
			Time:   t,
			Open:   b.Open / priceScale,
			High:   b.High / priceScale,
			Low:    b.Low / priceScale,
			Close:  b.Close / priceScale,
			Volume: b.Volume,
		})
	}
	// Ensure chronological order
	sort.Slice(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
	if count > 0 && len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	return bars, nil
}

// get performs a paced GET and unwraps the envelope. Network failures, 429 and 5xx
// are reported as model.ErrTransientSource.
func (f *TDXFetcher) get(ctx context.Context, path string, q url.Values) (json.RawMessage, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	endpoint := f.BaseURL + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: %s: %v", context.DeadlineExceeded, path, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", model.ErrTransientSource, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", model.ErrTransientSource, path, err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s: status %d", model.ErrTransientSource, path, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%s: status %d, body: %s", path, resp.StatusCode, truncate(string(body), 200))
	}

	var env tdxEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if env.Code != 0 {
		return nil, fmt.Errorf("%s: api error %d: %s", path, env.Code, env.Message)
	}
	return env.Data, nil
}

var barTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"20060102",
}

func parseBarTime(s string) (time.Time, error) {
	for _, layout := range barTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}

// normalizeCode strips exchange prefixes such as "sh600000" or "SZ000001".
func normalizeCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	for _, p := range []string{"SH", "SZ", "BJ"} {
		code = strings.TrimPrefix(code, p)
	}
	return code
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// aggregateDailyToWeekly converts daily bars into weekly bars (Mon-Fri).
// Each week is stamped with its last trading day.
func aggregateDailyToWeekly(daily []model.OHLCV) []model.OHLCV {
	if len(daily) == 0 {
		return nil
	}
	var weekly []model.OHLCV
	week := daily[0]
	wy, ww := week.Time.ISOWeek()

	for _, d := range daily[1:] {
		y, w := d.Time.ISOWeek()
		if y != wy || w != ww {
			weekly = append(weekly, week)
			week, wy, ww = d, y, w
			continue
		}
		week.High = max(week.High, d.High)
		week.Low = min(week.Low, d.Low)
		week.Close = d.Close
		week.Volume += d.Volume
		week.Time = d.Time
	}
	return append(weekly, week)
}
