// SPDX-License-Identifier: MIT

package adapters

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"reelscribe/internal/apperr"
	"reelscribe/internal/log"
)

// UploaderConfig selects and configures the image host.
type UploaderConfig struct {
	Provider string // "imgbb" or "s3-compat"
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
}

// Uploader publishes script card images and returns public URLs.
type Uploader struct {
	cfg    UploaderConfig
	hc     *http.Client
	logger zerolog.Logger
}

func NewUploader(cfg UploaderConfig) *Uploader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Uploader{
		cfg:    cfg,
		hc:     &http.Client{Timeout: cfg.Timeout},
		logger: log.WithComponent("uploader"),
	}
}

// Upload publishes the image file and returns its public URL.
func (u *Uploader) Upload(ctx context.Context, imagePath, name string) (string, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return "", apperr.Internal(fmt.Errorf("read image: %w", err))
	}
	switch u.cfg.Provider {
	case "s3-compat":
		return u.uploadS3(ctx, data, name)
	default:
		return u.uploadImgbb(ctx, data, name)
	}
}

// uploadImgbb uses the form-encoded base64 API.
func (u *Uploader) uploadImgbb(ctx context.Context, data []byte, name string) (string, error) {
	form := url.Values{}
	form.Set("key", u.cfg.APIKey)
	form.Set("name", SafeName(name))
	form.Set("image", base64.StdEncoding.EncodeToString(data))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.cfg.BaseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", apperr.Internal(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := u.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", apperr.Timeout("image upload timed out")
		}
		return "", apperr.Upstream("uploader", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := classifyHTTPStatus("uploader", resp); err != nil {
		return "", err
	}

	var out struct {
		Data struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apperr.Upstream("uploader", fmt.Errorf("decode response: %w", err))
	}
	if out.Data.URL == "" {
		return "", apperr.Upstream("uploader", fmt.Errorf("no url in response"))
	}
	return out.Data.URL, nil
}

// uploadS3 PUTs the object to a pre-signed-style endpoint and derives the
// public URL from the request path.
func (u *Uploader) uploadS3(ctx context.Context, data []byte, name string) (string, error) {
	target := strings.TrimRight(u.cfg.BaseURL, "/") + "/" + SafeName(name) + ".jpg"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(data))
	if err != nil {
		return "", apperr.Internal(err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	if u.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+u.cfg.APIKey)
	}

	resp, err := u.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", apperr.Timeout("image upload timed out")
		}
		return "", apperr.Upstream("uploader", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := classifyHTTPStatus("uploader", resp); err != nil {
		return "", err
	}
	return target, nil
}
