package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(url string) *Config {
	return &Config{
		APIKey:      "test-key",
		APIURL:      url,
		Model:       "test-model",
		MaxTokens:   1000,
		Temperature: 0.7,
		Timeout:     30,
	}
}

// completion renders a minimal chat.completion body with one choice.
func completion(content string) string {
	raw, _ := json.Marshal(content)
	return fmt.Sprintf(`{
		"id": "test-id",
		"object": "chat.completion",
		"model": "test-model",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": %s}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 20, "total_tokens": 30}
	}`, raw)
}

func TestNewClient(t *testing.T) {
	config := testConfig("https://api.example.com/")

	client, err := NewClient(config)
	require.NoError(t, err)
	assert.Equal(t, config, client.config)
	assert.Equal(t, "https://api.example.com", client.baseURL)
	assert.NotNil(t, client.httpClient.Transport)

	_, err = NewClient(&Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestChatCompletion_SendsHeadersAndDecodes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "vpe", r.Header.Get("X-Title"))
		_, _ = w.Write([]byte(completion("[]")))
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.AppName = "vpe"
	client, err := NewClient(cfg)
	require.NoError(t, err)

	response, err := client.ChatCompletion(context.Background(), []Message{{Role: "user", Content: "list products"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "test-id", response.ID)
	require.Len(t, response.Choices, 1)
	assert.Equal(t, "[]", response.Choices[0].Message.Content)
	assert.Equal(t, 30, response.Usage.TotalTokens)
}

func TestSimpleChat_PrependsSystemPrompt(t *testing.T) {
	var roles []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role string `json:"role"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		for _, m := range req.Messages {
			roles = append(roles, m.Role)
		}
		_, _ = w.Write([]byte(completion("Simple chat response")))
	}))
	defer server.Close()

	client, err := NewClient(testConfig(server.URL))
	require.NoError(t, err)

	response, err := client.SimpleChat(context.Background(), "Hello", "You list products")
	require.NoError(t, err)
	assert.Equal(t, "Simple chat response", response)
	assert.Equal(t, []string{"system", "user"}, roles)
}

func TestClientErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		contains string
		code     int
	}{
		{name: "api error body", status: http.StatusUnauthorized, body: `{"error":{"message":"Invalid API key","type":"authentication_error","code":"401"}}`, contains: "Invalid API key", code: 401},
		{name: "plain error body", status: http.StatusTooManyRequests, body: "slow down", contains: "429", code: 429},
		{name: "invalid json", status: http.StatusOK, body: "invalid json", contains: "failed to parse response"},
		{name: "no choices", status: http.StatusOK, body: `{"choices":[]}`, contains: "no choices"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client, err := NewClient(testConfig(server.URL))
			require.NoError(t, err)

			_, err = client.Chat(context.Background(), []Message{{Role: "user", Content: "Hello"}}, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
			code, ok := StatusCode(err)
			if tt.code == 0 {
				assert.False(t, ok)
				assert.ErrorIs(t, err, ErrInvalidResponse)
				return
			}
			assert.True(t, ok)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestClientConcurrentRequests(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(completion("Response")))
	}))
	defer server.Close()

	client, err := NewClient(testConfig(server.URL))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.ChatCompletion(context.Background(), []Message{{Role: "user", Content: "Hello"}}, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestChatCompletion_SendsJSONModeAndImageParts(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"name\":\"Keychron K2\"}"}}]}`))
	}))
	defer server.Close()

	client, err := NewClient(&Config{
		APIKey: "k", APIURL: server.URL + "/", Model: "vision-model", MaxTokens: 100, Temperature: 0.2, Timeout: 5,
	})
	require.NoError(t, err)

	content, err := client.Chat(context.Background(), []Message{{
		Role:  "user",
		Parts: []ContentPart{TextPart("what is this?"), ImagePart("image/jpeg", []byte{0xff, 0xd8})},
	}}, NewChatCompletionOptions().WithJSONMode(true).WithTemperature(0))
	require.NoError(t, err)
	assert.Equal(t, `{"name":"Keychron K2"}`, content)

	assert.Equal(t, map[string]any{"type": "json_object"}, captured["response_format"])
	msgs := captured["messages"].([]any)
	parts := msgs[0].(map[string]any)["content"].([]any)
	require.Len(t, parts, 2)
	image := parts[1].(map[string]any)["image_url"].(map[string]any)
	assert.True(t, strings.HasPrefix(image["url"].(string), "data:image/jpeg;base64,"))
}

// TestIntegration_ExtractsProductNames is skipped unless LLM_API_KEY is set
func TestIntegration_ExtractsProductNames(t *testing.T) {
	_ = godotenv.Load("./.env")
	apiKey := os.Getenv("LLM_API_KEY")
	if apiKey == "" {
		t.Skip("Set LLM_API_KEY environment variable to run this test")
	}

	client, err := NewClient(&Config{
		APIKey:      apiKey,
		APIURL:      "https://openrouter.ai/api/v1",
		Model:       "google/gemini-2.5-flash",
		MaxTokens:   200,
		Temperature: 0,
		Timeout:     30,
	})
	require.NoError(t, err)

	response, err := client.SimpleChat(context.Background(),
		"Transcript: I type everything on my Keychron K2. Which product is mentioned? Reply with the name only.",
		"Reply briefly.")
	require.NoError(t, err)
	assert.Contains(t, strings.ToLower(response), "keychron")
}

func TestStatusCode(t *testing.T) {
	code, ok := StatusCode(fmt.Errorf("wrap: %w", &Error{Message: "x", StatusCode: 503}))
	assert.True(t, ok)
	assert.Equal(t, 503, code)

	code, ok = StatusCode(&StatusError{StatusCode: 429})
	assert.True(t, ok)
	assert.Equal(t, 429, code)

	_, ok = StatusCode(ErrInvalidResponse)
	assert.False(t, ok)
}
