package translator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	translateMaxResponseBytes = 256 * 1024
	translateClientTimeout    = 15 * time.Second

	myMemoryEndpoint = "https://api.mymemory.translated.net/get"
	googleEndpoint   = "https://translate.googleapis.com/translate_a/single"
)

var errEmptyTranslation = errors.New("empty translation")

// Provider 外部翻译服务
type Provider interface {
	Name() string
	Translate(ctx context.Context, text, source, target string) (string, error)
}

// NewProvider 根据名字构造翻译服务
func NewProvider(name string, client *http.Client, libreURL string) (Provider, error) {
	if client == nil {
		client = &http.Client{Timeout: translateClientTimeout}
	}
	switch name {
	case "mymemory":
		return &MyMemory{Endpoint: myMemoryEndpoint, Client: client}, nil
	case "libretranslate":
		return &LibreTranslate{Endpoint: libreURL, Client: client}, nil
	case "google":
		return &GoogleGTX{Endpoint: googleEndpoint, Client: client}, nil
	default:
		return nil, fmt.Errorf("unknown translate provider %q", name)
	}
}

func doRequest(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, translateMaxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return body, nil
}

// MyMemory 免费接口，单次请求长度有限，超长时返回 403 + 错误文案
type MyMemory struct {
	Endpoint string
	Client   *http.Client
}

func (m *MyMemory) Name() string { return "mymemory" }

func (m *MyMemory) Translate(ctx context.Context, text, source, target string) (string, error) {
	q := url.Values{}
	q.Set("q", text)
	q.Set("langpair", source+"|"+target)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.Endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36")

	body, err := doRequest(m.Client, req)
	if err != nil {
		return "", err
	}
	var out struct {
		ResponseData struct {
			TranslatedText string `json:"translatedText"`
		} `json:"responseData"`
		// 正常为数字 200，出错时有时是字符串
		ResponseStatus any `json:"responseStatus"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	if status := fmt.Sprint(out.ResponseStatus); status != "200" {
		return "", fmt.Errorf("response status %s", status)
	}
	translated := strings.TrimSpace(out.ResponseData.TranslatedText)
	if translated == "" {
		return "", errEmptyTranslation
	}
	return translated, nil
}

// LibreTranslate 备用翻译服务
type LibreTranslate struct {
	Endpoint string
	Client   *http.Client
}

func (l *LibreTranslate) Name() string { return "libretranslate" }

func (l *LibreTranslate) Translate(ctx context.Context, text, source, target string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"q":      text,
		"source": source,
		"target": target,
		"format": "text",
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := doRequest(l.Client, req)
	if err != nil {
		return "", err
	}
	var out struct {
		TranslatedText string `json:"translatedText"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	translated := strings.TrimSpace(out.TranslatedText)
	if translated == "" {
		return "", errEmptyTranslation
	}
	return translated, nil
}

// GoogleGTX 使用 Google Translate 公开 API（client=gtx，无需密钥）
type GoogleGTX struct {
	Endpoint string
	Client   *http.Client
}

func (g *GoogleGTX) Name() string { return "google" }

func (g *GoogleGTX) Translate(ctx context.Context, text, source, target string) (string, error) {
	if target == "zh" {
		target = "zh-CN"
	}
	q := url.Values{}
	q.Set("client", "gtx")
	q.Set("sl", source)
	q.Set("tl", target)
	q.Set("dt", "t")
	q.Set("q", text)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.Endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	body, err := doRequest(g.Client, req)
	if err != nil {
		return "", err
	}

	// 响应格式: [[["翻译文本","原文",...],...],...]
	var raw []any
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	if len(raw) == 0 {
		return "", errEmptyTranslation
	}
	outer, ok := raw[0].([]any)
	if !ok {
		return "", errEmptyTranslation
	}
	var result strings.Builder
	for _, seg := range outer {
		pair, ok := seg.([]any)
		if !ok || len(pair) < 1 {
			continue
		}
		if s, ok := pair[0].(string); ok {
			result.WriteString(s)
		}
	}
	translated := strings.TrimSpace(result.String())
	if translated == "" {
		return "", errEmptyTranslation
	}
	return translated, nil
}
