// Package notify доставляет уведомления о начисленных наградах во внешний сервис.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/gophermart-rewards/internal/model"
)

// Notification описывает событие, о котором нужно сообщить пользователю.
type Notification struct {
	Event     string       `json:"event"`
	AccountID int64        `json:"account_id"`
	RewardID  int64        `json:"reward_id"`
	Amount    int64        `json:"amount"`
	Reason    model.Reason `json:"reason"`
	At        time.Time    `json:"at"`
}

// EventRewardIssued - событие выдачи награды.
const EventRewardIssued = "reward_issued"

// Notifier отправляет уведомления.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Client отправляет уведомления вебхуком POST {addr}/api/notifications.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент сервиса уведомлений.
func NewClient(baseURL string) *Client {
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: base,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Notify отправляет уведомление. Любой ответ кроме 2xx считается ошибкой.
func (c *Client) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/notifications", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return nil
}

// LogNotifier только пишет уведомление в лог; используется, когда адрес сервиса не задан.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier создаёт LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify пишет уведомление в лог.
func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	l.logger.Debug("notification skipped, no notify address",
		zap.String("event", n.Event),
		zap.Int64("accountID", n.AccountID),
		zap.Int64("rewardID", n.RewardID),
		zap.Int64("amount", n.Amount),
	)
	return nil
}
