package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

func TestHTTPClientStreamsCompletions(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/models" {
			fmt.Fprint(w, `{"data":[{"id":"granite-3b"}]}`)
			return
		}
		assert.Equal(t, "/v1/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 1; i <= 3; i++ {
			finish := "null"
			if i == 3 {
				finish = `"length"`
			}
			fmt.Fprintf(w, "data: {\"choices\":[{\"index\":0,\"text\":\"t%d\",\"finish_reason\":%s}],\"usage\":{\"completion_tokens\":%d}}\n\n", i, finish, i)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client, err := NewHTTPClient(srv.URL+"/v1/completions", 5*time.Second, WithAPIKey("secret"))
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	models, err := client.Models(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"granite-3b"}, models)

	d, err := client.Send(ctx, []byte(`{"model":"granite-3b","prompt":"hi","max_tokens":3,"stream":true}`))
	require.NoError(t, err)
	events, end := drain(t, d)
	require.Len(t, events, 3)
	assert.Equal(t, "t3", events[2].Event.Text)
	assert.ErrorIs(t, end.Err, ErrEndOfStream)
	assert.Equal(t, "hi", got["prompt"])
}

func TestHTTPClientRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "CUDA out of memory", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := NewHTTPClient(srv.URL+"/v1/completions", 5*time.Second)
	require.NoError(t, err)
	_, err = client.Send(context.Background(), []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of memory")
}

func TestNewHTTPClientRequiresHost(t *testing.T) {
	_, err := NewHTTPClient("/v1/completions", time.Second)
	assert.Error(t, err)
}

// startGenerationServer serves GenerateStream over an in-memory listener,
// replying with the given frames after recording the request.
func startGenerationServer(t *testing.T, frames []*GenerationResponse, requests chan<- []byte) *GenerationClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(
		grpc.ForceServerCodec(RawCodec()),
		grpc.UnknownServiceHandler(func(_ interface{}, ss grpc.ServerStream) error {
			method, _ := grpc.MethodFromServerStream(ss)
			if method != generateStreamMethod {
				return fmt.Errorf("unexpected method %s", method)
			}
			var req []byte
			if err := ss.RecvMsg(&req); err != nil {
				return err
			}
			requests <- req
			for _, f := range frames {
				b := f.Marshal()
				if err := ss.SendMsg(&b); err != nil {
					return err
				}
			}
			return nil
		}),
	)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := NewGenerationClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestGenerationClientStreams(t *testing.T) {
	frames := []*GenerationResponse{
		{InputTokenCount: 12},
		{GeneratedTokenCount: 1, Text: "Hello"},
		{GeneratedTokenCount: 2, Text: " world"},
		{GeneratedTokenCount: 3, Text: "!", StopReason: StopMaxTokens},
	}
	requests := make(chan []byte, 1)
	client := startGenerationServer(t, frames, requests)

	payload := `{"model_id":"flan-t5","request":{"text":"say hi"},"params":{"method":"GREEDY","stopping":{"max_new_tokens":3,"min_new_tokens":3},"truncate_input_tokens":12}}`
	d, err := client.Send(context.Background(), []byte(payload))
	require.NoError(t, err)
	events, end := drain(t, d)
	assert.ErrorIs(t, end.Err, ErrEndOfStream)
	require.Len(t, events, 3)
	assert.Equal(t, "Hello", events[0].Event.Text)
	assert.Equal(t, 2, events[1].Event.GeneratedTokens)
	require.NotNil(t, events[2].Event.FinishReason)
	assert.Equal(t, "MAX_TOKENS", *events[2].Event.FinishReason)
	for _, ev := range events {
		assert.Equal(t, 1, ev.Tokens)
	}

	select {
	case raw := <-requests:
		assert.NotEmpty(t, raw)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not receive the request")
	}
}
