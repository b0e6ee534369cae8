package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"))
}

func TestIsTimeout(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout error type", &TimeoutError{Message: "boom"}, true},
		{"wrapped timeout error", fmt.Errorf("call failed: %w", &TimeoutError{Message: "x"}), true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("do: %w", context.DeadlineExceeded), true},
		{"timeout substring", errors.New("request timed out after 15s"), true},
		{"cjk traditional", errors.New("請求超時"), true},
		{"cjk simplified", errors.New("请求超时"), true},
		{"plain failure", errors.New("connection refused"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTimeout(tc.err))
		})
	}
}

func TestFromEnv(t *testing.T) {
	t.Run("missing api key", func(t *testing.T) {
		client, runtime := FromEnv(MapEnv(nil))
		assert.Nil(t, client)
		assert.False(t, runtime.Enabled)
		assert.Equal(t, ReasonMissingAPIKey, runtime.Reason)
		assert.Equal(t, "openai", runtime.Provider)
		assert.Equal(t, DefaultModel, runtime.Model)
		assert.Equal(t, DefaultBaseURL, runtime.BaseURL)
		assert.Equal(t, 15.0, runtime.TimeoutSDefault)
	})

	t.Run("env disabled wins over key", func(t *testing.T) {
		client, runtime := FromEnv(MapEnv(map[string]string{
			EnvEnabled: "false",
			EnvAPIKey:  "sk-test",
		}))
		assert.Nil(t, client)
		assert.Equal(t, ReasonEnvDisabled, runtime.Reason)
	})

	t.Run("unsupported provider", func(t *testing.T) {
		client, runtime := FromEnv(MapEnv(map[string]string{
			EnvProvider: "anthropic",
			EnvAPIKey:   "sk-test",
		}))
		assert.Nil(t, client)
		assert.Equal(t, ReasonUnsupportedProvider, runtime.Reason)
		assert.Equal(t, "anthropic", runtime.Provider)
	})

	t.Run("ready with overrides", func(t *testing.T) {
		client, runtime := FromEnv(MapEnv(map[string]string{
			EnvAPIKey:   "sk-test",
			EnvModel:    "gpt-4o",
			EnvBaseURL:  "http://localhost:9999/v1",
			EnvTimeoutS: "3.5",
		}))
		require.NotNil(t, client)
		assert.True(t, runtime.Enabled)
		assert.Equal(t, ReasonReady, runtime.Reason)
		assert.Equal(t, "gpt-4o", runtime.Model)
		assert.Equal(t, 3.5, runtime.TimeoutSDefault)

		openai, ok := client.(*OpenAIClient)
		require.True(t, ok)
		assert.Equal(t, "sk-test", openai.APIKey)
		assert.Equal(t, 3500*time.Millisecond, openai.Timeout)
	})

	t.Run("openai api key fallback", func(t *testing.T) {
		client, runtime := FromEnv(MapEnv(map[string]string{EnvAPIKeyAlt: "sk-alt"}))
		require.NotNil(t, client)
		assert.Equal(t, ReasonReady, runtime.Reason)
	})
}

func TestInjectedRuntime(t *testing.T) {
	runtime := InjectedRuntime()
	assert.True(t, runtime.Enabled)
	assert.Equal(t, ReasonInjectedClient, runtime.Reason)
	meta := runtime.AsMetadata()
	assert.Equal(t, "injected", meta["provider"])
	assert.Equal(t, true, meta["enabled"])
}

func completionBody(content any) string {
	raw, _ := json.Marshal(map[string]any{
		"choices": []any{
			map[string]any{"message": map[string]any{"role": "assistant", "content": content}},
		},
	})
	return string(raw)
}

func TestOpenAIClient_Complete(t *testing.T) {
	t.Run("string content", func(t *testing.T) {
		var gotAuth string
		var gotReq ChatRequest
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			_ = json.NewDecoder(r.Body).Decode(&gotReq)
			fmt.Fprint(w, completionBody(`{"items": []}`))
		}))
		defer server.Close()

		client := NewOpenAIClient("sk-test", "gpt-4o-mini")
		client.BaseURL = server.URL

		text, err := client.Complete(context.Background(), "normalize this")
		require.NoError(t, err)
		assert.Equal(t, `{"items": []}`, text)
		assert.Equal(t, "Bearer sk-test", gotAuth)
		assert.Equal(t, "gpt-4o-mini", gotReq.Model)
		require.Len(t, gotReq.Messages, 1)
		assert.Equal(t, "user", gotReq.Messages[0].Role)
		require.NotNil(t, gotReq.ResponseFormat)
		assert.Equal(t, "json_object", gotReq.ResponseFormat.Type)
	})

	t.Run("multi part content", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, completionBody([]any{
				map[string]any{"type": "text", "text": "{\"items\":"},
				map[string]any{"type": "text", "text": "[]}"},
			}))
		}))
		defer server.Close()

		client := NewOpenAIClient("sk-test", "")
		client.BaseURL = server.URL
		text, err := client.Complete(context.Background(), "p")
		require.NoError(t, err)
		assert.Equal(t, "{\"items\":\n[]}", text)
	})

	t.Run("error envelope", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error": {"message": "rate limited"}}`)
		}))
		defer server.Close()

		client := NewOpenAIClient("sk-test", "")
		client.BaseURL = server.URL
		_, err := client.Complete(context.Background(), "p")
		require.Error(t, err)
		assert.EqualError(t, err, "OpenAI HTTP 429: rate limited")
	})

	t.Run("missing choices", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"choices": []}`)
		}))
		defer server.Close()

		client := NewOpenAIClient("sk-test", "")
		client.BaseURL = server.URL
		_, err := client.Complete(context.Background(), "p")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing choices")
	})

	t.Run("timeout classified", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(500 * time.Millisecond)
			fmt.Fprint(w, completionBody("{}"))
		}))
		defer server.Close()

		client := NewOpenAIClient("sk-test", "")
		client.BaseURL = server.URL
		client.Timeout = 50 * time.Millisecond

		_, err := client.Complete(context.Background(), "p")
		require.Error(t, err)
		assert.True(t, IsTimeout(err))
		var te *TimeoutError
		assert.ErrorAs(t, err, &te)
	})
}

func TestExtractObject(t *testing.T) {
	t.Run("direct", func(t *testing.T) {
		obj, err := ExtractObject(`{"items": [1]}`)
		require.NoError(t, err)
		assert.Contains(t, obj, "items")
	})

	t.Run("wrapped in prose", func(t *testing.T) {
		obj, err := ExtractObject("Here you go:\n```json\n{\"groups\": []}\n```\nDone.")
		require.NoError(t, err)
		assert.Contains(t, obj, "groups")
	})

	t.Run("no object", func(t *testing.T) {
		_, err := ExtractObject("sorry, I cannot help")
		require.Error(t, err)
	})

	t.Run("top level array rejected", func(t *testing.T) {
		_, err := ExtractObject(`[1, 2]`)
		require.Error(t, err)
	})
}
