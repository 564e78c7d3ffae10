package realtime

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/wudi/graphproxy/internal/app"
	"github.com/wudi/graphproxy/internal/logging"
)

// Registrar subscribes applications to realtime updates for user objects.
// Registration must happen after the realtime endpoint is accepting
// connections, since the Graph server calls back immediately to verify.
type Registrar struct {
	baseURL      string // Graph server base, e.g. "https://graph.facebook.com"
	callbackBase string // public endpoint base, e.g. "http://host:8081/"
	verifyToken  string
	client       *http.Client
}

// NewRegistrar creates a Registrar. verifyToken must be the token the
// Receiver on callbackBase validates handshakes against.
func NewRegistrar(baseURL, callbackBase, verifyToken string) *Registrar {
	return &Registrar{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		callbackBase: callbackBase,
		verifyToken:  verifyToken,
		client:       &http.Client{Timeout: 30 * time.Second},
	}
}

// RegisterAll registers every app that carries a credential or secret.
// Failures are logged and do not block the remaining apps.
func (rg *Registrar) RegisterAll(ctx context.Context, apps *app.Registry) {
	for _, a := range apps.All() {
		if a.Cred == "" && a.Secret == "" {
			continue
		}
		if err := rg.Register(ctx, a); err != nil {
			logging.Error("subscription registration failed",
				zap.String("app", a.ID),
				zap.Error(err),
			)
			continue
		}
		logging.Info("registered app for realtime updates", zap.String("app", a.ID))
	}
}

// Register creates one subscription for user fields, preferring the app's
// client credential and falling back to "appid|secret". Transient failures
// are retried with exponential backoff.
func (rg *Registrar) Register(ctx context.Context, a *app.App) error {
	token := a.Cred
	if token == "" {
		token = a.ID + "|" + a.Secret
	}

	subscribeFields := append(a.FieldList(), a.ConnList()...)
	form := url.Values{
		"object":       {"user"},
		"fields":       {strings.Join(subscribeFields, ",")},
		"callback_url": {rg.callbackBase + a.ID},
		"verify_token": {rg.verifyToken},
	}

	endpoint := fmt.Sprintf("%s/%s/subscriptions?access_token=%s",
		rg.baseURL, a.ID, url.QueryEscape(token))

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
			strings.NewReader(form.Encode()))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := rg.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("subscription rejected: %s: %s", resp.Status, body)
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	return backoff.Retry(operation, policy)
}
