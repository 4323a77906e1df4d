package translator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type countingProvider struct {
	name  string
	calls atomic.Int32
	fn    func(text string) (string, error)
}

func (p *countingProvider) Name() string { return p.name }

func (p *countingProvider) Translate(_ context.Context, text, _, _ string) (string, error) {
	p.calls.Add(1)
	return p.fn(text)
}

func okProvider(name string) *countingProvider {
	return &countingProvider{name: name, fn: func(text string) (string, error) { return "[" + name + "]" + text, nil }}
}

func failProvider(name string) *countingProvider {
	return &countingProvider{name: name, fn: func(string) (string, error) { return "", errors.New(name + " down") }}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newKo(providers ...Provider) *Translator {
	return New(providers, Options{SourceLang: "en", TargetLang: "ko"}, discard())
}

func TestTranslateIfNeededSkipsTargetLanguage(t *testing.T) {
	p := okProvider("primary")
	tr := newKo(p)

	// 10 个非空白字符中 2 个韩文，正好 20%
	text := "abcdefgh 안녕"
	res := tr.TranslateIfNeeded(context.Background(), text)
	require.Equal(t, text, res.Text)
	require.Equal(t, SkipTarget, res.Skipped)
	require.False(t, res.Translated)
	require.Zero(t, p.calls.Load())

	res = tr.TranslateIfNeeded(context.Background(), "오늘 날씨가 좋네요 nice")
	require.Equal(t, SkipTarget, res.Skipped)
	require.Zero(t, p.calls.Load())
}

func TestTranslateIfNeededSkipsEmptyAndNonSource(t *testing.T) {
	p := okProvider("primary")
	tr := newKo(p)

	for _, in := range []string{"", "   ", "\n\t"} {
		res := tr.TranslateIfNeeded(context.Background(), in)
		require.Equal(t, in, res.Text)
		require.Equal(t, SkipEmpty, res.Skipped)
	}

	res := tr.TranslateIfNeeded(context.Background(), "12345 !!! ??? 678")
	require.Equal(t, SkipNotSource, res.Skipped)
	require.Zero(t, p.calls.Load())
}

func TestTranslateIfNeededUsesPrimary(t *testing.T) {
	primary, backup := okProvider("primary"), okProvider("backup")
	tr := newKo(primary, backup)

	res := tr.TranslateIfNeeded(context.Background(), "Hello world")
	require.True(t, res.Translated)
	require.Equal(t, "[primary]Hello world", res.Text)
	require.Equal(t, "primary", res.Provider)
	require.EqualValues(t, 1, primary.calls.Load())
	require.Zero(t, backup.calls.Load())
}

func TestTranslateFallsBackToBackup(t *testing.T) {
	primary, backup := failProvider("primary"), okProvider("backup")
	tr := newKo(primary, backup)

	res := tr.TranslateIfNeeded(context.Background(), "Hello world")
	require.True(t, res.Translated)
	require.Equal(t, "backup", res.Provider)
	require.Equal(t, "[backup]Hello world", res.Text)
}

func TestTranslatePassthroughWhenAllFail(t *testing.T) {
	tr := newKo(failProvider("primary"), failProvider("backup"))

	res := tr.TranslateIfNeeded(context.Background(), "Hello world")
	require.False(t, res.Translated)
	require.Equal(t, "Hello world", res.Text)
	require.ErrorIs(t, res.Err, errAllProvidersFailed)
}

func TestTranslateHTMLForcesTranslation(t *testing.T) {
	p := okProvider("primary")
	tr := newKo(p)

	// 已经是韩文也会翻译（跳过判断不适用）
	res := tr.TranslateHTML(context.Background(), "<p>안녕하세요 &amp; <b>hi</b></p>")
	require.True(t, res.Translated)
	require.Equal(t, "[primary]안녕하세요 & hi", res.Text)
	require.EqualValues(t, 1, p.calls.Load())

	res = tr.TranslateHTML(context.Background(), "  ")
	require.Equal(t, SkipEmpty, res.Skipped)
	res = tr.TranslateHTML(context.Background(), "<img src='a.png'>")
	require.Equal(t, SkipEmpty, res.Skipped)
	require.EqualValues(t, 1, p.calls.Load())
}

func TestTranslateHTMLFailureReturnsPlainText(t *testing.T) {
	tr := newKo(failProvider("primary"))
	res := tr.TranslateHTML(context.Background(), "<p>Hello <i>there</i></p>")
	require.False(t, res.Translated)
	require.Equal(t, "Hello there", res.Text)
}

func TestTranslateChunksLongText(t *testing.T) {
	p := okProvider("p")
	tr := New([]Provider{p}, Options{MaxChunkRunes: 10}, discard())

	res := tr.TranslateIfNeeded(context.Background(), "alpha beta gamma delta epsilon")
	require.True(t, res.Translated)
	require.Greater(t, p.calls.Load(), int32(1))
	require.Contains(t, res.Text, "[p]alpha")
	require.Contains(t, res.Text, "epsilon")
}

func TestSplitChunks(t *testing.T) {
	require.Equal(t, []string{"short"}, splitChunks("short", 10))

	chunks := splitChunks("aaaa bbbb cccc dddd", 10)
	for _, c := range chunks {
		require.LessOrEqual(t, len([]rune(c)), 10)
	}
	require.Equal(t, "aaaa bbbb cccc dddd", strings.Join(chunks, " "))

	// 没有空白时硬切
	chunks = splitChunks(strings.Repeat("x", 25), 10)
	require.Len(t, chunks, 3)
}

func TestScriptRatio(t *testing.T) {
	require.InDelta(t, 1.0, scriptRatio("Hello", isLatin), 0.001)
	require.InDelta(t, 0.5, scriptRatio("ab 안녕", isHangul), 0.001)
	require.Zero(t, scriptRatio("   ", isLatin))
	require.InDelta(t, 1.0, scriptRatio("你好", scriptFor("zh")), 0.001)
	require.InDelta(t, 1.0, scriptRatio("こんにちは", scriptFor("ja")), 0.001)
}

func TestMyMemoryProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "en|ko", r.URL.Query().Get("langpair"))
		if r.URL.Query().Get("q") == "too long" {
			_, _ = io.WriteString(w, `{"responseData":{"translatedText":"QUERY LENGTH LIMIT EXCEEDED"},"responseStatus":"403"}`)
			return
		}
		_, _ = io.WriteString(w, `{"responseData":{"translatedText":"안녕 세상"},"responseStatus":200}`)
	}))
	defer srv.Close()

	m := &MyMemory{Endpoint: srv.URL, Client: srv.Client()}
	out, err := m.Translate(context.Background(), "hello world", "en", "ko")
	require.NoError(t, err)
	require.Equal(t, "안녕 세상", out)

	_, err = m.Translate(context.Background(), "too long", "en", "ko")
	require.ErrorContains(t, err, "403")
}

func TestLibreTranslateProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		require.Contains(t, string(body), `"target":"ko"`)
		_, _ = io.WriteString(w, `{"translatedText":"번역됨"}`)
	}))
	defer srv.Close()

	l := &LibreTranslate{Endpoint: srv.URL, Client: srv.Client()}
	out, err := l.Translate(context.Background(), "translated", "en", "ko")
	require.NoError(t, err)
	require.Equal(t, "번역됨", out)
}

func TestGoogleProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "zh-CN", r.URL.Query().Get("tl"))
		_, _ = io.WriteString(w, `[[["你好，","Hello, ",null],["世界","world",null]],null,"en"]`)
	}))
	defer srv.Close()

	g := &GoogleGTX{Endpoint: srv.URL, Client: srv.Client()}
	out, err := g.Translate(context.Background(), "Hello, world", "en", "zh")
	require.NoError(t, err)
	require.Equal(t, "你好，世界", out)
}

func TestProviderHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	for _, p := range []Provider{
		&MyMemory{Endpoint: srv.URL, Client: srv.Client()},
		&LibreTranslate{Endpoint: srv.URL, Client: srv.Client()},
		&GoogleGTX{Endpoint: srv.URL, Client: srv.Client()},
	} {
		_, err := p.Translate(context.Background(), "hi", "en", "ko")
		require.Error(t, err, p.Name())
	}
}

func TestNewProvider(t *testing.T) {
	for _, name := range []string{"mymemory", "libretranslate", "google"} {
		p, err := NewProvider(name, nil, "http://localhost/translate")
		require.NoError(t, err)
		require.Equal(t, name, p.Name())
	}
	_, err := NewProvider("deepl", nil, "")
	require.Error(t, err)
}
