package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/gophermart-rewards/internal/model"
)

func TestNotify_OK(t *testing.T) {
	var got Notification
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/notifications" {
			t.Fatalf("path = %s, want /api/notifications", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := client.Notify(ctx, Notification{Event: EventRewardIssued, AccountID: 7, RewardID: 3, Amount: 1000, Reason: model.ReasonReferralReward})
	if err != nil {
		t.Fatalf("Notify error: %v", err)
	}
	if got.AccountID != 7 || got.Amount != 1000 || got.Event != EventRewardIssued {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestNotify_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	err := NewClient(ts.URL).Notify(context.Background(), Notification{})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestNewClient_AddsScheme(t *testing.T) {
	c := NewClient("localhost:9000/")
	if c.baseURL != "http://localhost:9000" {
		t.Fatalf("baseURL = %s", c.baseURL)
	}
}

func TestLogNotifier(t *testing.T) {
	if err := NewLogNotifier(zap.NewNop()).Notify(context.Background(), Notification{}); err != nil {
		t.Fatalf("LogNotifier error: %v", err)
	}
}
