package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/valyala/fasthttp"
)

var (
	strPost            = []byte(fasthttp.MethodPost)
	strApplicationJSON = []byte("application/json")
	userAgent          = "llmbench-load-test"
)

const defaultReadTimeout = 5 * time.Minute

// HTTPClient streams completions from an OpenAI-compatible endpoint.
type HTTPClient struct {
	uri        []byte
	host       []byte
	apiKey     string
	httpclient *fasthttp.HostClient
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithAPIKey sets a bearer token on every request.
func WithAPIKey(key string) HTTPOption {
	return func(c *HTTPClient) { c.apiKey = key }
}

// NewHTTPClient returns a client posting to the completions URL endpoint, e.g.
// http://10.0.0.1:8000/v1/completions. readTimeout bounds each read of the
// streamed body.
func NewHTTPClient(endpoint string, readTimeout time.Duration, opts ...HTTPOption) (*HTTPClient, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("endpoint %q has no host", endpoint)
	}
	isTLS := u.Scheme == "https"
	addr := u.Host
	if u.Port() == "" {
		if isTLS {
			addr = net.JoinHostPort(u.Hostname(), "443")
		} else {
			addr = net.JoinHostPort(u.Hostname(), "80")
		}
	}
	c := &HTTPClient{
		uri:  []byte(u.RequestURI()),
		host: []byte(u.Host),
		httpclient: &fasthttp.HostClient{
			Addr:                addr,
			IsTLS:               isTLS,
			Name:                userAgent,
			ReadTimeout:         readTimeout,
			MaxIdleConnDuration: readTimeout,
			StreamResponseBody:  true,
			Dial: func(addr string) (net.Conn, error) {
				return fasthttp.DialTimeout(addr, readTimeout)
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Send posts payload and returns a Decoder over the server-sent event stream.
// A non-200 status is returned as an error.
func (c *HTTPClient) Send(ctx context.Context, payload []byte) (Decoder, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	req.Header.SetMethodBytes(strPost)
	req.SetRequestURIBytes(c.uri)
	req.SetHostBytes(c.host)
	req.Header.SetContentTypeBytes(strApplicationJSON)
	if c.apiKey != "" {
		req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+c.apiKey)
	}
	req.SetBody(payload)

	res := fasthttp.AcquireResponse()
	var err error
	if deadline, ok := ctx.Deadline(); ok {
		err = c.httpclient.DoDeadline(req, res, deadline)
	} else {
		err = c.httpclient.Do(req, res)
	}
	if err != nil {
		fasthttp.ReleaseResponse(res)
		return nil, err
	}
	if res.StatusCode() != fasthttp.StatusOK {
		err := fmt.Errorf("unexpected status %d: %s", res.StatusCode(), bytes.TrimSpace(res.Body()))
		fasthttp.ReleaseResponse(res)
		return nil, err
	}
	return NewEventStreamDecoder(newResponseBody(res)), nil
}

// Models lists the model ids served by the endpoint.
func (c *HTTPClient) Models(ctx context.Context) ([]string, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	res := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(res)

	uri := bytes.TrimSuffix(c.uri, []byte("/completions"))
	req.SetRequestURIBytes(append(append([]byte{}, uri...), "/models"...))
	req.SetHostBytes(c.host)
	if c.apiKey != "" {
		req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+c.apiKey)
	}
	var err error
	if deadline, ok := ctx.Deadline(); ok {
		err = c.httpclient.DoDeadline(req, res, deadline)
	} else {
		err = c.httpclient.Do(req, res)
	}
	if err != nil {
		return nil, err
	}
	if res.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("listing models: unexpected status %d", res.StatusCode())
	}
	var list struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(res.Body(), &list); err != nil {
		return nil, fmt.Errorf("decoding model list: %w", err)
	}
	ids := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		ids = append(ids, m.ID)
	}
	if len(ids) == 0 {
		return nil, errors.New("endpoint serves no models")
	}
	return ids, nil
}

func (c *HTTPClient) Close() error {
	c.httpclient.CloseIdleConnections()
	return nil
}

// responseBody adapts a streamed fasthttp response to io.ReadCloser, returning
// the response to its pool on Close.
type responseBody struct {
	res *fasthttp.Response
	r   io.Reader
}

func newResponseBody(res *fasthttp.Response) *responseBody {
	b := &responseBody{res: res}
	if s := res.BodyStream(); s != nil {
		b.r = s
	} else {
		b.r = bytes.NewReader(res.Body())
	}
	return b
}

func (b *responseBody) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

func (b *responseBody) Close() error {
	err := b.res.CloseBodyStream()
	fasthttp.ReleaseResponse(b.res)
	return err
}
