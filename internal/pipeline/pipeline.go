package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/modserve/internal/cache"
	"github.com/any-hub/modserve/internal/compress"
	"github.com/any-hub/modserve/internal/logging"
	"github.com/any-hub/modserve/internal/metrics"
	"github.com/any-hub/modserve/internal/module"
	"github.com/any-hub/modserve/internal/server"
)

// ContextKeyIdentity 保存鉴权通过后的调用方身份。
const ContextKeyIdentity = "_modserve_identity"

const (
	cacheStatusHit    = "HIT"
	cacheStatusMiss   = "MISS"
	cacheStatusBypass = "BYPASS"
)

// Options configure a Pipeline.
type Options struct {
	Logger     *logrus.Logger
	Cache      *cache.Cache
	Negotiator *compress.Negotiator
	// Auth 为空时，声明了鉴权要求的 Handler 一律返回 401。
	Auth    Authenticator
	Metrics *metrics.Metrics
}

// Pipeline 实现 server.Responder。
type Pipeline struct {
	logger     *logrus.Logger
	cache      *cache.Cache
	negotiator *compress.Negotiator
	auth       Authenticator
	metrics    *metrics.Metrics
}

var _ server.Responder = (*Pipeline)(nil)

// New validates opts and builds the pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Negotiator == nil {
		return nil, errors.New("compression negotiator is required")
	}
	return &Pipeline{
		logger:     opts.Logger,
		cache:      opts.Cache,
		negotiator: opts.Negotiator,
		auth:       opts.Auth,
		metrics:    opts.Metrics,
	}, nil
}

// rendered 是待写出的响应，来源可能是缓存条目或一次直接生成。
type rendered struct {
	status        int
	header        http.Header
	body          []byte
	stream        io.ReadCloser
	size          int64
	encoding      string
	precompressed bool
	cacheStatus   string
}

// Serve 执行完整的响应流程，错误原样返回给 Fiber 的错误边界。
func (p *Pipeline) Serve(c fiber.Ctx, match *server.Match) error {
	req := match.Request
	caps := module.CapabilitiesOf(match.Handler, req)
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if len(caps.RequiredAuth) > 0 {
		identity, err := p.authenticate(ctx, req, caps.RequiredAuth)
		if err != nil {
			return err
		}
		c.Locals(ContextKeyIdentity, identity)
	}

	if caps.ETag != "" && etagMatches(req.Header.Get(fiber.HeaderIfNoneMatch), caps.ETag) {
		c.Set(fiber.HeaderETag, caps.ETag)
		setCacheControl(c, caps.ClientCacheDuration)
		c.Status(fiber.StatusNotModified)
		p.logResult(c, match, fiber.StatusNotModified, cacheStatusBypass, "", nil)
		return nil
	}

	accept := req.Header.Get(fiber.HeaderAcceptEncoding)
	var (
		out *rendered
		err error
	)
	if caps.Cacheable && p.cache != nil {
		out, err = p.fromCache(ctx, match, caps, accept)
	} else {
		out, err = p.direct(ctx, match, caps, accept)
	}
	if err != nil {
		return err
	}

	if caps.ETag != "" {
		out.header.Set(fiber.HeaderETag, caps.ETag)
	}
	writeErr := p.write(c, out, caps)
	p.logResult(c, match, out.status, out.cacheStatus, out.encoding, writeErr)
	if writeErr != nil {
		return writeErr
	}
	source := "fresh"
	switch {
	case out.precompressed:
		source = "precompressed"
	case out.cacheStatus != cacheStatusBypass:
		source = "cached"
	}
	p.metrics.Compressed(out.encoding, source)
	return nil
}

func (p *Pipeline) authenticate(ctx context.Context, req *module.Request, required []string) (string, error) {
	if p.auth == nil {
		return "", module.NewResponseError(fiber.StatusUnauthorized, "")
	}
	identity, err := p.auth.Authenticate(ctx, req, required)
	if err != nil {
		if errors.Is(err, ErrDenied) {
			return "", module.NewResponseError(fiber.StatusUnauthorized, "")
		}
		return "", err
	}
	return identity, nil
}

// streamedResponse 表示生成结果是流，不进入缓存。
// 同一 flight 的等待者共享该值，只有第一个认领者能写出这条流，其余各自重新生成。
type streamedResponse struct {
	resp    *module.Response
	claimed atomic.Bool
}

func (s *streamedResponse) Error() string {
	return "response is streamed and not cacheable"
}

// unclaimedStreamTTL 之后仍无人认领的流会被关闭，避免等待者全部离开时泄漏上游连接。
const unclaimedStreamTTL = 30 * time.Second

func newStreamedResponse(resp *module.Response) *streamedResponse {
	s := &streamedResponse{resp: resp}
	time.AfterFunc(unclaimedStreamTTL, func() {
		if s.claimed.CompareAndSwap(false, true) {
			resp.Stream.Close()
		}
	})
	return s
}

// fromCache 走响应缓存：缓存键附带协商出的编码，压缩只在生成时做一次。
func (p *Pipeline) fromCache(ctx context.Context, match *server.Match, caps module.Capabilities, accept string) (*rendered, error) {
	choice := p.negotiator.Choose(true, caps.CompressionPriority, accept, true)
	keyFn := func() (string, bool) {
		return caps.CacheKey + "|" + choice.Codec, true
	}
	generate := func(gctx context.Context) (*cache.Entry, error) {
		return p.generateEntry(gctx, match, choice)
	}

	entry, hit, err := p.cache.GetOrCreate(ctx, match.Request.LocalURL(), keyFn, generate, caps.RequestCacheDuration)
	var streamed *streamedResponse
	if errors.As(err, &streamed) {
		if streamed.claimed.CompareAndSwap(false, true) {
			return p.render(streamed.resp, caps, accept)
		}
		return p.direct(ctx, match, caps, accept)
	}
	if err != nil {
		return nil, err
	}
	status := cacheStatusMiss
	if hit {
		status = cacheStatusHit
	}
	return &rendered{
		status:        entry.Status,
		header:        entry.Header.Clone(),
		body:          entry.Payload,
		size:          int64(len(entry.Payload)),
		encoding:      entry.Encoding,
		precompressed: entry.Precompressed,
		cacheStatus:   status,
	}, nil
}

// generateEntry 产出可缓存条目。HEAD 请求也按 GET 生成，条目必须能完整回放给 GET；
// HEAD 的短路由 write 处理。
func (p *Pipeline) generateEntry(ctx context.Context, match *server.Match, choice compress.Choice) (*cache.Entry, error) {
	req := match.Request
	if req.Method == http.MethodHead {
		req = req.Clone()
		req.Method = http.MethodGet
	}
	resp, err := match.Handler.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("module %s returned no response", match.Module.Name)
	}
	if resp.Stream != nil {
		return nil, newStreamedResponse(resp)
	}
	body := resp.Body

	header := cloneHeader(resp.Header)
	encoding := resp.Encoding
	if encoding == "" && resp.Compressible && !choice.IsIdentity() && compressibleStatus(statusOf(resp)) {
		compressed, err := compress.Compress(choice, body)
		if err != nil {
			return nil, err
		}
		body = compressed
		encoding = choice.Codec
	}
	if resp.Compressible || resp.Encoding != "" {
		header.Set(fiber.HeaderVary, fiber.HeaderAcceptEncoding)
	}

	entry := cache.NewEntry(statusOf(resp), header, body)
	entry.Encoding = encoding
	entry.Precompressed = resp.Encoding != ""
	return entry, nil
}

// direct 每次都调用 Handler，按 fresh 列表压缩；流式响应边读边压缩。
func (p *Pipeline) direct(ctx context.Context, match *server.Match, caps module.Capabilities, accept string) (*rendered, error) {
	resp, err := match.Handler.Generate(ctx, match.Request)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("module %s returned no response", match.Module.Name)
	}
	return p.render(resp, caps, accept)
}

// render 把一次直接生成的响应按 fresh 列表压缩，不经过缓存。
func (p *Pipeline) render(resp *module.Response, caps module.Capabilities, accept string) (*rendered, error) {
	out := &rendered{
		status:        statusOf(resp),
		header:        cloneHeader(resp.Header),
		body:          resp.Body,
		stream:        resp.Stream,
		size:          resp.Size,
		encoding:      resp.Encoding,
		precompressed: resp.Encoding != "",
		cacheStatus:   cacheStatusBypass,
	}
	if out.stream == nil {
		out.size = int64(len(out.body))
	}
	if resp.Compressible || resp.Encoding != "" {
		out.header.Set(fiber.HeaderVary, fiber.HeaderAcceptEncoding)
	}
	if resp.Encoding != "" || !resp.Compressible || !compressibleStatus(out.status) {
		return out, nil
	}

	choice := p.negotiator.Choose(false, caps.CompressionPriority, accept, true)
	if choice.IsIdentity() {
		return out, nil
	}
	out.encoding = choice.Codec
	if out.stream != nil {
		out.stream = compressStream(choice, out.stream)
		out.size = -1
		return out, nil
	}
	compressed, err := compress.Compress(choice, out.body)
	if err != nil {
		return nil, err
	}
	out.body = compressed
	out.size = int64(len(compressed))
	return out, nil
}

// compressStream 通过 io.Pipe 在后台压缩 src。
func compressStream(choice compress.Choice, src io.ReadCloser) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		defer src.Close()
		w, err := compress.NewWriter(choice, pw)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(w, src); err != nil {
			_ = w.Close()
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(w.Close())
	}()
	return pr
}

func (p *Pipeline) write(c fiber.Ctx, out *rendered, caps module.Capabilities) error {
	for key, values := range out.header {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) ||
			strings.EqualFold(key, fiber.HeaderContentEncoding) {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
	if out.encoding != "" && out.encoding != compress.Identity {
		c.Set(fiber.HeaderContentEncoding, out.encoding)
	}
	setCacheControl(c, caps.ClientCacheDuration)
	c.Set("X-Cache", out.cacheStatus)
	c.Status(out.status)

	if c.Method() == fiber.MethodHead {
		if out.stream != nil {
			out.stream.Close()
		}
		if out.size >= 0 {
			c.Response().Header.SetContentLength(int(out.size))
		}
		c.Response().SkipBody = true
		return nil
	}
	if out.stream != nil {
		stream := &releasingStream{ReadCloser: out.stream, release: server.HoldSlot(c)}
		c.Response().SetBodyStream(stream, int(out.size))
		return nil
	}
	return c.Send(out.body)
}

// releasingStream 在正文写完（或连接中断）关闭时归还限流槽位。
type releasingStream struct {
	io.ReadCloser
	release func()
}

func (s *releasingStream) Close() error {
	err := s.ReadCloser.Close()
	s.release()
	return err
}

func (p *Pipeline) logResult(c fiber.Ctx, match *server.Match, status int, cacheStatus, encoding string, err error) {
	elapsed := time.Since(server.RequestStarted(c))
	fields := logging.RequestFields(match.Request.Host, match.Module.Name, cacheStatus == cacheStatusHit, encoding)
	fields["action"] = "serve"
	fields["method"] = match.Request.Method
	fields["path"] = match.Request.Path
	fields["status"] = status
	fields["cache"] = cacheStatus
	fields["elapsed_ms"] = elapsed.Milliseconds()
	if requestID := server.RequestID(c); requestID != "" {
		fields["request_id"] = requestID
	}
	p.metrics.ObserveRequest(match.Module.Name, match.Request.Method, status, elapsed)
	if err != nil {
		fields["error"] = err.Error()
		p.logger.WithFields(fields).Error("serve_failed")
		return
	}
	p.logger.WithFields(fields).Info("serve_complete")
}

func setCacheControl(c fiber.Ctx, d time.Duration) {
	if d <= 0 {
		c.Set(fiber.HeaderCacheControl, "no-cache")
		return
	}
	c.Set(fiber.HeaderCacheControl, "public, max-age="+strconv.FormatInt(int64(d/time.Second), 10))
}

// etagMatches 实现 If-None-Match 的弱比较。
func etagMatches(header, etag string) bool {
	header = strings.TrimSpace(header)
	if header == "" {
		return false
	}
	if header == "*" {
		return true
	}
	want := strings.TrimPrefix(etag, "W/")
	for _, candidate := range strings.Split(header, ",") {
		if strings.TrimPrefix(strings.TrimSpace(candidate), "W/") == want {
			return true
		}
	}
	return false
}

func statusOf(resp *module.Response) int {
	if resp.Status == 0 {
		return fiber.StatusOK
	}
	return resp.Status
}

func compressibleStatus(status int) bool {
	return status >= 200 && status < 300 && status != fiber.StatusNoContent
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}
