package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"VibeGuard/pkg/logger"
)

const defaultSMSEndpoint = "https://api.mobizon.kz/service/message/sendsmsmessage"

// SMSConfig 描述 SMS 网关参数。APIKey 为空或为 "dry-run" 时不发起请求。
type SMSConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Sender   string        `yaml:"sender"`
	DryRun   bool          `yaml:"dry_run"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SMSGateway posts form-encoded messages to a Mobizon-compatible API.
type SMSGateway struct {
	cfg    SMSConfig
	client *http.Client
}

type smsResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		MessageID string `json:"messageId"`
	} `json:"data"`
}

// NewSMSGateway creates a gateway. A nil client gets a timeout-bound default.
func NewSMSGateway(cfg SMSConfig, client *http.Client) *SMSGateway {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultSMSEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &SMSGateway{cfg: cfg, client: client}
}

func (g *SMSGateway) dryRun() bool {
	return g.cfg.DryRun || g.cfg.APIKey == "" || g.cfg.APIKey == "dry-run"
}

// Send implements Channel.
func (g *SMSGateway) Send(ctx context.Context, destination string, msg Message) (string, error) {
	if strings.TrimSpace(destination) == "" {
		return "", ErrNoDestination
	}
	if g.dryRun() {
		id := "dry-run-" + uuid.NewString()
		logger.Named("delivery.sms").Info("sms dry-run",
			slog.String("to", MaskDestination(destination)),
			slog.String("delivery_id", id),
		)
		return id, nil
	}

	form := url.Values{
		"apiKey":    {g.cfg.APIKey},
		"recipient": {destination},
		"text":      {msg.Body},
	}
	if g.cfg.Sender != "" {
		form.Set("from", g.cfg.Sender)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send sms request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read sms response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("sms gateway returned http %d", resp.StatusCode)
	}
	var result smsResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("parse sms response: %w", err)
	}
	if result.Code != 0 {
		return "", fmt.Errorf("sms gateway returned error code %d: %s", result.Code, result.Message)
	}
	return result.Data.MessageID, nil
}
