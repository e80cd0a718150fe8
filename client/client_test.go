package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hsdfat/go-klog/compress"
	"github.com/hsdfat/go-klog/klogerr"
	"github.com/hsdfat/go-klog/logger"
	"github.com/hsdfat/go-klog/record"
	"github.com/hsdfat/go-klog/sender"
	"github.com/hsdfat/go-klog/transport"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Endpoint = "localhost:1"
	cfg.AccessKey = "ak"
	cfg.SecretKey = "sk"
	return cfg
}

// recorder is an in-memory transport that decodes every request body.
type recorder struct {
	mu     sync.Mutex
	groups map[string][]*record.Group // request URI -> groups
	closed bool
}

func newRecorder() *recorder {
	return &recorder{groups: make(map[string][]*record.Group)}
}

func (r *recorder) Send(_ context.Context, _, uri string, body []byte, _ http.Header) (*transport.Response, error) {
	raw, err := compress.LZ4{}.Decompress(body)
	if err != nil {
		return nil, err
	}
	g, err := record.UnmarshalGroup(raw)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[uri] = append(r.groups[uri], g)
	return &transport.Response{StatusCode: http.StatusOK}, nil
}

func (r *recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recorder) logs(project, pool string) []*record.Log {
	r.mu.Lock()
	defer r.mu.Unlock()
	uri := fmt.Sprintf("%s?ProjectName=%s&LogPoolName=%s", sender.Path, project, pool)
	var out []*record.Log
	for _, g := range r.groups[uri] {
		out = append(out, g.Logs...)
	}
	return out
}

func (r *recorder) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func newClient(t *testing.T, cfg Config, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	c, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.Close(ctx)
	})
	return c
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing access key", func(c *Config) { c.AccessKey = "" }},
		{"blank secret key", func(c *Config) { c.SecretKey = "   " }},
		{"queue too small", func(c *Config) { c.QueueSize = 0 }},
		{"sample rate above one", func(c *Config) { c.DownSampleRate = 1.5 }},
		{"sample rate zero", func(c *Config) { c.DownSampleRate = 0 }},
		{"fractional rate limit", func(c *Config) { c.RateLimit = 2.5 }},
		{"negative rate limit", func(c *Config) { c.RateLimit = -1 }},
		{"unknown compression", func(c *Config) { c.Compression = "gzip" }},
		{"unknown log level", func(c *Config) { c.LogLevel = "loud" }},
		{"missing endpoint", func(c *Config) { c.Endpoint = "" }},
		{"bad scheme", func(c *Config) { c.Endpoint = "ftp://example.com" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			c, err := New(cfg, WithLogger(zap.NewNop()))
			if !errors.Is(err, klogerr.ErrConfig) {
				t.Fatalf("New = %v, want ErrConfig", err)
			}
			if c != nil {
				t.Errorf("New returned a client alongside an error")
			}
		})
	}
}

type emptyCredential struct{}

func (emptyCredential) AccessKey() string { return "ak" }
func (emptyCredential) SecretKey() string { return "" }

func TestNewRejectsInjectedEmptyCredential(t *testing.T) {
	_, err := New(testConfig(), WithLogger(zap.NewNop()), WithCredential(emptyCredential{}))
	if !errors.Is(err, klogerr.ErrConfig) {
		t.Fatalf("New = %v, want ErrConfig", err)
	}
}

func TestClientDeliversOverHTTP(t *testing.T) {
	type request struct {
		path, query, auth, compressType, apiVersion string
		logs                                        []*record.Log
	}
	var (
		mu       sync.Mutex
		requests []request
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		raw, err := compress.LZ4{}.Decompress(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		g, err := record.UnmarshalGroup(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		requests = append(requests, request{
			path:         r.URL.Path,
			query:        r.URL.RawQuery,
			auth:         r.Header.Get("Authorization"),
			compressType: r.Header.Get(sender.HeaderCompressType),
			apiVersion:   r.Header.Get(sender.HeaderAPIVersion),
			logs:         g.Logs,
		})
		mu.Unlock()
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Endpoint = srv.URL + "/"
	cfg.FlushInterval = time.Hour
	c := newClient(t, cfg)

	if !c.PushAt(" proj ", "pool", "ha ha", 1632215713983) {
		t.Fatal("PushAt returned false")
	}
	if !c.Push("proj", "pool", record.Fields{{Key: "user", Value: "bob"}, {Key: "n", Value: 3}}) {
		t.Fatal("Push returned false")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(requests) != 1 {
		t.Fatalf("got %d requests, want 1", len(requests))
	}
	req := requests[0]
	if req.path != sender.Path || req.query != "ProjectName=proj&LogPoolName=pool" {
		t.Errorf("request = %s?%s", req.path, req.query)
	}
	if !strings.HasPrefix(req.auth, "KLOG ak:") {
		t.Errorf("Authorization = %q", req.auth)
	}
	if req.compressType != compress.NameLZ4 || req.apiVersion != sender.APIVersion {
		t.Errorf("compress type %q, api version %q", req.compressType, req.apiVersion)
	}
	if len(req.logs) != 2 {
		t.Fatalf("got %d logs, want 2", len(req.logs))
	}
	first := req.logs[0]
	if first.Time != 1632215713983 || first.Contents[0] != (record.Content{Key: "message", Value: "ha ha"}) {
		t.Errorf("first log = %+v", first)
	}
	second := req.logs[1].Contents
	if len(second) != 2 || second[0].Value != "bob" || second[1] != (record.Content{Key: "n", Value: "3"}) {
		t.Errorf("second log contents = %+v", second)
	}
	if st := c.Stats(); st.Pushed != 2 || st.Delivered != 2 {
		t.Errorf("stats = %+v", st)
	}
}

func TestPushDownSampling(t *testing.T) {
	cfg := testConfig()
	cfg.DownSampleRate = 0.5
	c := newClient(t, cfg, WithTransport(newRecorder()))

	admitted := 0
	for i := 0; i < 10; i++ {
		if c.Push("p", "l", i) {
			admitted++
		}
	}
	if admitted != 5 {
		t.Errorf("admitted %d of 10, want 5", admitted)
	}
	if st := c.Stats(); st.SampledOut != 5 || st.Pushed != 5 {
		t.Errorf("stats = %+v", st)
	}
}

// stallingTransport blocks its first request until released.
type stallingTransport struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stallingTransport) Send(ctx context.Context, _, _ string, _ []byte, _ http.Header) (*transport.Response, error) {
	s.once.Do(func() { close(s.entered) })
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &transport.Response{StatusCode: http.StatusOK}, nil
}

func (s *stallingTransport) Close() error { return nil }

func TestPushDropsWhenQueueFull(t *testing.T) {
	tr := &stallingTransport{entered: make(chan struct{}), release: make(chan struct{})}
	cfg := testConfig()
	cfg.QueueSize = 1
	cfg.DropWhenQueueFull = true
	cfg.FlushInterval = 10 * time.Millisecond
	c := newClient(t, cfg, WithTransport(tr))

	if !c.Push("p", "l", "first") {
		t.Fatal("first push refused")
	}
	select {
	case <-tr.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never started delivering")
	}

	if !c.Push("p", "l", "second") {
		t.Fatal("push into empty queue refused")
	}
	if c.Push("p", "l", "third") {
		t.Fatal("push into full queue accepted")
	}
	if st := c.Stats(); st.QueueDropped != 1 || st.Queued != 1 {
		t.Errorf("stats = %+v", st)
	}
	close(tr.release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if st := c.Stats(); st.Delivered != 2 {
		t.Errorf("delivered %d logs, want 2", st.Delivered)
	}
}

func TestCloseFlushesAndStops(t *testing.T) {
	tr := newRecorder()
	cfg := testConfig()
	cfg.FlushInterval = time.Hour
	c, err := New(cfg, WithLogger(zap.NewNop()), WithTransport(tr))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Push("p", "a", "one")
	c.Push("p", "b", "two")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(tr.logs("p", "a")) != 1 || len(tr.logs("p", "b")) != 1 {
		t.Errorf("pending logs not delivered on Close")
	}
	if !tr.isClosed() {
		t.Error("transport not closed")
	}

	if c.Push("p", "a", "late") {
		t.Error("Push after Close accepted")
	}
	if err := c.Flush(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Flush after Close = %v, want ErrClosed", err)
	}
	if err := c.Close(ctx); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("KLOG_ENDPOINT", "klog-cn-beijing.ksyun.com")
	t.Setenv("KLOG_ACCESS_KEY", "ak")
	t.Setenv("KLOG_SECRET_KEY", "sk")
	t.Setenv("KLOG_QUEUE_SIZE", "10")
	t.Setenv("KLOG_DROP_WHEN_QUEUE_FULL", "true")
	t.Setenv("KLOG_RETRY_INTERVAL", "250ms")

	cfg, err := LoadConfig(context.Background())
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	want := DefaultConfig()
	want.Endpoint = "klog-cn-beijing.ksyun.com"
	want.AccessKey = "ak"
	want.SecretKey = "sk"
	want.QueueSize = 10
	want.DropWhenQueueFull = true
	want.RetryInterval = 250 * time.Millisecond
	if cfg != want {
		t.Errorf("LoadConfig = %+v\nwant %+v", cfg, want)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	t.Setenv("KLOG_QUEUE_SIZE", "lots")
	if _, err := LoadConfig(context.Background()); err == nil {
		t.Fatal("expected error for non-numeric queue size")
	}
}

func TestMaxRetriesClamped(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = record.MaxRetries + 1
	if got := cfg.maxRetries(); got != record.MaxRetries {
		t.Errorf("maxRetries = %d, want %d", got, record.MaxRetries)
	}
	cfg.MaxRetries = -1
	if got := cfg.maxRetries(); got != -1 {
		t.Errorf("maxRetries = %d, want -1", got)
	}
}

func TestShippingCoreThroughClient(t *testing.T) {
	tr := newRecorder()
	cfg := testConfig()
	cfg.FlushInterval = time.Hour
	c := newClient(t, cfg, WithTransport(tr))

	log := zap.New(logger.NewShippingCore(c, "app", "events", zapcore.InfoLevel))
	log.Debug("filtered")
	log.With(zap.String("svc", "api")).Info("hello", zap.Int("n", 1))
	if err := log.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	logs := tr.logs("app", "events")
	if len(logs) != 1 {
		t.Fatalf("got %d logs, want 1", len(logs))
	}
	contents := logs[0].Contents
	if contents[0] != (record.Content{Key: "level", Value: "info"}) ||
		contents[1] != (record.Content{Key: "message", Value: "hello"}) {
		t.Errorf("leading contents = %+v", contents[:2])
	}
	n := len(contents)
	if contents[n-2] != (record.Content{Key: "svc", Value: "api"}) ||
		contents[n-1] != (record.Content{Key: "n", Value: "1"}) {
		t.Errorf("trailing contents = %+v", contents[n-2:])
	}
}

func TestStatsReportTransportHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"ErrorCode":"InternalServerError"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Endpoint = srv.URL
	cfg.FlushInterval = time.Hour
	cfg.MaxRetries = 0
	c := newClient(t, cfg)

	if st := c.Stats(); !st.Healthy || st.LastError != nil || st.QueueCapacity != cfg.QueueSize {
		t.Errorf("fresh client stats = %+v", st)
	}

	c.Push("p", "l", "x")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	st := c.Stats()
	if st.Healthy || st.LastError == nil {
		t.Errorf("healthy = %v, last error = %v after a 503", st.Healthy, st.LastError)
	}
	if st.Dropped != 1 {
		t.Errorf("dropped %d logs, want 1", st.Dropped)
	}
}

func TestCloseReleasesBlockedPush(t *testing.T) {
	tr := &stallingTransport{entered: make(chan struct{}), release: make(chan struct{})}
	cfg := testConfig()
	cfg.QueueSize = 1
	cfg.FlushInterval = 10 * time.Millisecond
	cfg.MaxRetries = 0
	c := newClient(t, cfg, WithTransport(tr))

	c.Push("p", "l", "first")
	select {
	case <-tr.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never started delivering")
	}
	c.Push("p", "l", "second")

	result := make(chan bool)
	go func() {
		result <- c.Push("p", "l", "third")
	}()
	select {
	case <-result:
		t.Fatal("blocking Push returned while the queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	c.Close(ctx)

	select {
	case ok := <-result:
		if ok {
			t.Error("blocked Push reported success after Close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close left the producer blocked")
	}
	if st := c.Stats(); st.QueueDropped != 0 {
		t.Errorf("QueueDropped = %d, want 0 for pushes refused by Close", st.QueueDropped)
	}
}
