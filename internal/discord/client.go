// Package discord 调用Discord机器人的HTTP接口
package discord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lvdashuaibi/rsvpsync/config"
	"github.com/lvdashuaibi/rsvpsync/internal/logging"
	"github.com/lvdashuaibi/rsvpsync/internal/metrics"
	"github.com/lvdashuaibi/rsvpsync/internal/model"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

const breakerName = "discord-bot-api"

// EmbedResult 一次嵌入消息刷新的结果
type EmbedResult struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code,omitempty"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error,omitempty"`
}

// permanentError 4xx之类重试也不会成功的错误，不计入熔断
type permanentError struct {
	status int
	body   string
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("机器人接口返回 %d: %s", e.status, e.body)
}

type Client struct {
	baseURL  string
	http     *http.Client
	timeouts []time.Duration
	limiter  *rate.Limiter
	cb       *gobreaker.CircuitBreaker[int]
}

func NewClient(cfg config.DiscordConfig) *Client {
	return NewClientWithHTTP(cfg, &http.Client{})
}

// NewClientWithHTTP 使用指定的http.Client，测试里替换Transport
func NewClientWithHTTP(cfg config.DiscordConfig, httpClient *http.Client) *Client {
	timeouts := cfg.AttemptTimeout
	if len(timeouts) == 0 {
		timeouts = []time.Duration{5 * time.Second, 15 * time.Second, 30 * time.Second}
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	metrics.BreakerState.WithLabelValues(breakerName).Set(0)

	cb := gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			var perm *permanentError
			return err == nil || errors.As(err, &perm) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Discord机器人接口熔断状态变化")
			metrics.ObserveBreakerState(name, toCircuitState(from), toCircuitState(to))
		},
	})

	return &Client{
		baseURL:  strings.TrimRight(cfg.BotAPIURL, "/"),
		http:     httpClient,
		timeouts: timeouts,
		limiter:  rate.NewLimiter(limit, burst),
		cb:       cb,
	}
}

func toCircuitState(s gobreaker.State) model.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return model.CircuitOpen
	case gobreaker.StateHalfOpen:
		return model.CircuitHalfOpen
	default:
		return model.CircuitClosed
	}
}

// UpdateRSVPEmbed 通知机器人刷新比赛的RSVP嵌入消息
// 每次尝试的超时逐级递增，4xx不重试；错误只体现在结果里
func (c *Client) UpdateRSVPEmbed(ctx context.Context, matchID int64) EmbedResult {
	url := fmt.Sprintf("%s/api/update_rsvp_embed/%d", c.baseURL, matchID)
	result := EmbedResult{}

	var lastErr error
	for i, timeout := range c.timeouts {
		result.Attempts = i + 1

		if err := c.limiter.Wait(ctx); err != nil {
			lastErr = err
			break
		}

		status, err := c.cb.Execute(func() (int, error) {
			return c.post(ctx, url, timeout)
		})
		result.StatusCode = status
		if err == nil {
			result.Success = true
			return result
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) || errors.Is(err, gobreaker.ErrOpenState) ||
			errors.Is(err, gobreaker.ErrTooManyRequests) || ctx.Err() != nil {
			break
		}

		logging.Warn().Err(err).Int64("match_id", matchID).Int("attempt", i+1).
			Dur("timeout", timeout).Msg("刷新RSVP嵌入消息失败，准备重试")
	}

	result.Error = lastErr.Error()
	logging.Error().Err(lastErr).Int64("match_id", matchID).Int("attempts", result.Attempts).
		Msg("刷新RSVP嵌入消息失败")
	return result
}

func (c *Client) post(ctx context.Context, url string, timeout time.Duration) (int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, nil)
	if err != nil {
		return 0, &permanentError{body: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("请求机器人接口失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return resp.StatusCode, &permanentError{status: resp.StatusCode, body: string(body)}
	}
	return resp.StatusCode, fmt.Errorf("机器人接口返回 %d: %s", resp.StatusCode, string(body))
}
