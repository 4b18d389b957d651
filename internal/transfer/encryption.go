package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/ocms-cron/internal/config"
	"github.com/stanstork/ocms-cron/internal/errs"
	"github.com/stanstork/ocms-cron/internal/logging"
	"github.com/stanstork/ocms-cron/internal/pipeline"
)

const tokenHeader = "X-Encryption-Token"

type tokenRequest struct {
	RequestID   string `json:"requestId"`
	AppCode     string `json:"appCode"`
	CallbackURL string `json:"callbackUrl"`
	FileName    string `json:"fileName"`
}

// Encryption is the client of the external encryption service. Tokens are
// requested here and delivered asynchronously to the callback webhook.
type Encryption struct {
	client  *retryablehttp.Client
	baseURL string
	appCode string
	cbURL   string
}

func NewEncryption(cfg config.EncryptionConfig, logger zerolog.Logger) (*Encryption, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("encryption.base_url must be set")
	}
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.HTTPClient.Timeout = cfg.Timeout
	client.Logger = logging.NewLeveled(logger, "encryption-client")
	// Keep the response so the status can be classified below.
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Encryption{
		client:  client,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		appCode: cfg.AppCode,
		cbURL:   cfg.CallbackURL,
	}, nil
}

func (e *Encryption) RequestToken(ctx context.Context, requestID string, file pipeline.File) error {
	body, err := json.Marshal(tokenRequest{
		RequestID:   requestID,
		AppCode:     e.appCode,
		CallbackURL: e.cbURL,
		FileName:    file.Name,
	})
	if err != nil {
		return errors.Wrap(err, "marshal token request")
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/token-requests", body)
	if err != nil {
		return errors.Wrap(err, "build token request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return errs.E(errs.KindTransientInfra, "encryption.request_token", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return classifyStatus("encryption.request_token", resp.StatusCode)
}

func (e *Encryption) Apply(ctx context.Context, token string, file pipeline.File) (pipeline.File, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/encrypt", file.Content)
	if err != nil {
		return pipeline.File{}, errors.Wrap(err, "build encrypt request")
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(tokenHeader, token)
	req.Header.Set("X-File-Name", file.Name)

	resp, err := e.client.Do(req)
	if err != nil {
		return pipeline.File{}, errs.E(errs.KindTransientInfra, "encryption.apply", err)
	}
	defer resp.Body.Close()
	if err := classifyStatus("encryption.apply", resp.StatusCode); err != nil {
		return pipeline.File{}, err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return pipeline.File{}, errs.E(errs.KindTransientInfra, "encryption.apply", err)
	}
	return pipeline.File{
		Name:        file.Name + ".p7",
		Content:     buf.Bytes(),
		ContentType: "application/pkcs7-mime",
	}, nil
}

func classifyStatus(op string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status >= 500, status == http.StatusTooManyRequests:
		return errs.E(errs.KindTransientInfra, op, fmt.Errorf("encryption service returned %d", status))
	default:
		return errs.E(errs.KindExternalService, op, fmt.Errorf("encryption service returned %d", status))
	}
}
