package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/google/uuid"

	"httprelay/internal/logging"
	"httprelay/internal/types"
)

// Publisher receives captured events. *producer.Client is the usual one.
type Publisher interface {
	Publish(ctx context.Context, ev types.TrafficEvent) error
}

type Options struct {
	// MaxBodyBytes caps how much of each body is captured. The client always
	// gets the full body.
	MaxBodyBytes int64
	// MITM intercepts CONNECT tunnels so HTTPS traffic is captured too.
	MITM bool
	// PublishTimeout bounds one Publish call.
	PublishTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{MaxBodyBytes: 1 << 20, PublishTimeout: 5 * time.Second}
}

type Proxy struct {
	gp     *goproxy.ProxyHttpServer
	pub    Publisher
	opts   Options
	logger *slog.Logger
}

func NewProxy(pub Publisher, opts Options, logger *slog.Logger) *Proxy {
	def := DefaultOptions()
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = def.MaxBodyBytes
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = def.PublishTimeout
	}
	if logger == nil {
		logger = logging.Nop()
	}

	gp := goproxy.NewProxyHttpServer()
	gp.Logger = printfLogger{logger}
	p := &Proxy{gp: gp, pub: pub, opts: opts, logger: logger}

	if opts.MITM {
		gp.OnRequest().HandleConnect(goproxy.AlwaysMitm)
	}
	gp.OnRequest().DoFunc(p.onRequest)
	gp.OnResponse().DoFunc(p.onResponse)
	return p
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.gp.ServeHTTP(w, r)
}

type capture struct {
	id string
}

func (p *Proxy) onRequest(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	id := uuid.NewString()
	ctx.UserData = &capture{id: id}

	ev, err := requestEvent(id, r, p.opts.MaxBodyBytes)
	if err != nil {
		p.logger.Warn("capture request failed", "id", id, "url", r.URL.String(), "error", err)
		return r, nil
	}
	p.publish(ev)
	return r, nil
}

func (p *Proxy) onResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	c, ok := ctx.UserData.(*capture)
	if !ok {
		return resp
	}
	if resp == nil {
		p.publish(failedResponseEvent(c.id, ctx.Error))
		return resp
	}
	ev, err := responseEvent(c.id, resp, p.opts.MaxBodyBytes)
	if err != nil {
		p.logger.Warn("capture response failed", "id", c.id, "error", err)
		return resp
	}
	p.publish(ev)
	return resp
}

func (p *Proxy) publish(ev types.TrafficEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.PublishTimeout)
	defer cancel()
	if err := p.pub.Publish(ctx, ev); err != nil {
		p.logger.Warn("publish failed", "channel", ev.Channel(), "id", ev.EventID(), "error", err)
		return
	}
	p.logger.Debug("captured", "channel", ev.Channel(), "id", ev.EventID())
}

type printfLogger struct {
	l *slog.Logger
}

func (pl printfLogger) Printf(format string, v ...any) {
	pl.l.Debug(fmt.Sprintf(format, v...), "component", "goproxy")
}
