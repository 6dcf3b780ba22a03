// Package notify はTelegram Bot APIを使った配信プリミティブを提供する。
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hitoshi/feedrelay/internal/model"
)

const (
	// DefaultAPIBase はTelegram Bot APIのベースURL。
	DefaultAPIBase = "https://api.telegram.org"
	// RequestTimeout は1リクエストあたりのタイムアウトの推奨値。
	RequestTimeout = 15 * time.Second
	// maxAttempts は5xxと通信エラー時の最大試行回数。
	maxAttempts = 3
	// maxMessageRunes はメッセージ長超過時に切り詰める文字数。
	maxMessageRunes = 4000
	// defaultRetryAfter は429でretry_afterが返されなかった場合の待機時間。
	defaultRetryAfter = time.Second
)

// Client はTelegram Bot APIのクライアント。
// 1件のメッセージを1つの配信先（chat_id）へ送る。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	apiBase    string
	token      string
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewClient はClientの新しいインスタンスを生成する。apiBaseが空の場合はDefaultAPIBaseを使う。
func NewClient(httpClient *http.Client, apiBase, token string, logger *slog.Logger) *Client {
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		apiBase:    strings.TrimRight(apiBase, "/"),
		token:      token,
		sleep:      sleepContext,
	}
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Deliver はtextをHTMLメッセージとしてdestinationIDへ送信する。
// 429は待機せずにRetryAfter付きの*model.DeliveryErrorを返す（一時停止は呼び出し側が判断する）。
// 5xxと通信エラーは指数的に待機しながら最大3回まで試行する。
func (c *Client) Deliver(ctx context.Context, destinationID, text string) error {
	payload := sendMessageRequest{
		ChatID:                destinationID,
		Text:                  text,
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	}
	truncated := false

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		status, res, err := c.send(ctx, payload)
		if err != nil {
			lastErr = &model.DeliveryError{DestinationID: destinationID, Err: err}
			if ctx.Err() != nil {
				return lastErr
			}
			c.logger.Warn("メッセージ送信に失敗しました",
				slog.String("destination_id", destinationID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			if attempt < maxAttempts {
				if err := c.sleep(ctx, backoff(attempt)); err != nil {
					return lastErr
				}
			}
			continue
		}

		switch {
		case status == http.StatusOK && res.OK:
			return nil

		case status == http.StatusTooManyRequests:
			retryAfter := time.Duration(res.Parameters.RetryAfter) * time.Second
			if retryAfter <= 0 {
				retryAfter = defaultRetryAfter
			}
			c.logger.Warn("Telegram APIのレート制限を受けました",
				slog.String("destination_id", destinationID),
				slog.Duration("retry_after", retryAfter),
			)
			return &model.DeliveryError{
				DestinationID: destinationID,
				StatusCode:    status,
				RetryAfter:    retryAfter,
				Err:           errors.New(res.Description),
			}

		case status == http.StatusBadRequest && !truncated && strings.Contains(res.Description, "message is too long"):
			payload.Text = truncateHTML(payload.Text, maxMessageRunes) + "..."
			truncated = true
			c.logger.Warn("メッセージが長すぎるため切り詰めて再送します",
				slog.String("destination_id", destinationID),
			)
			attempt--

		case status >= 500:
			lastErr = &model.DeliveryError{DestinationID: destinationID, StatusCode: status, Err: errors.New(res.Description)}
			c.logger.Warn("Telegramサーバーエラーのため再試行します",
				slog.String("destination_id", destinationID),
				slog.Int("http_status", status),
				slog.Int("attempt", attempt),
			)
			if attempt < maxAttempts {
				if err := c.sleep(ctx, backoff(attempt)); err != nil {
					return lastErr
				}
			}

		default:
			c.logger.Error("メッセージ送信が拒否されました",
				slog.String("destination_id", destinationID),
				slog.Int("http_status", status),
				slog.String("description", res.Description),
			)
			return &model.DeliveryError{DestinationID: destinationID, StatusCode: status, Err: errors.New(res.Description)}
		}
	}
	return lastErr
}

func (c *Client) send(ctx context.Context, payload sendMessageRequest) (int, apiResponse, error) {
	var res apiResponse

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, res, fmt.Errorf("リクエストJSONの生成に失敗しました: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", c.apiBase, c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, res, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, res, redactToken(err, c.token)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return 0, res, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}
	// エラーレスポンスがJSONでない場合もステータスで判断できるため、デコード失敗は無視する
	_ = json.Unmarshal(data, &res)
	return resp.StatusCode, res, nil
}

// redactToken はエラーメッセージに含まれるURL中のBotトークンを伏せる。
func redactToken(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), token, "<redacted>"))
}

func backoff(attempt int) time.Duration {
	return time.Duration(1<<attempt) * time.Second
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// truncateHTML はHTMLメッセージを最大n文字に切り詰める。
// タグやエンティティの途中では切らず、閉じられていないaタグは閉じる。
func truncateHTML(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	cut := truncateRunes(s, n)
	if i := strings.LastIndexByte(cut, '<'); i > strings.LastIndexByte(cut, '>') {
		cut = cut[:i]
	}
	if i := strings.LastIndexByte(cut, '&'); i > strings.LastIndexByte(cut, ';') {
		cut = cut[:i]
	}
	if strings.Count(cut, "<a ") > strings.Count(cut, "</a>") {
		cut += "</a>"
	}
	return cut
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
