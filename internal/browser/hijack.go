package browser

import (
	"io"
	"net/http"
	"net/url"
	"sort"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"ragbridge/internal/assets"
	"ragbridge/internal/intercept"
)

// hijackPattern matches every URL under the local authority.
func hijackPattern(i *intercept.Interceptor) string {
	return i.Authority().String() + "*"
}

// hijackReply is what happens to one paused request. A pass continues it
// unchanged, a redirect continues it against the loopback server, anything
// else is fulfilled with status, header and body.
type hijackReply struct {
	pass     bool
	redirect string
	status   int
	reason   string
	header   []string
	body     []byte
}

// hijacker answers paused requests. When streamHost is set, cached assets are
// handed to the loopback server there, which streams them; the Fetch domain
// only accepts a fulfilled body as one base64 message.
type hijacker struct {
	interceptor *intercept.Interceptor
	streamHost  string
	logger      *zap.Logger
}

func newHijacker(i *intercept.Interceptor, streamHost string, logger *zap.Logger) *hijacker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &hijacker{interceptor: i, streamHost: streamHost, logger: logger}
}

func (hj *hijacker) reply(u *url.URL) hijackReply {
	if !hj.interceptor.Eligible(u) {
		return hijackReply{pass: true}
	}

	resp, ok := hj.interceptor.Intercept(u)
	if !ok {
		return hijackReply{pass: true}
	}
	defer resp.Body.Close()

	if resp.Source == assets.SourceCache && hj.streamHost != "" {
		target := *u
		target.Scheme = "http"
		target.Host = hj.streamHost
		target.Fragment, target.RawFragment = "", ""
		return hijackReply{redirect: target.String()}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		hj.logger.Error("stream failure while reading resource",
			zap.String("url", u.String()), zap.Error(err))
		return hijackReply{pass: true}
	}
	return hijackReply{
		status: resp.StatusCode,
		reason: resp.Reason,
		header: headerPairs(resp.Header),
		body:   body,
	}
}

func (hj *hijacker) handle(h *rod.Hijack) {
	r := hj.reply(h.Request.URL())
	switch {
	case r.pass:
		h.ContinueRequest(&proto.FetchContinueRequest{})
	case r.redirect != "":
		h.ContinueRequest(&proto.FetchContinueRequest{URL: r.redirect})
	default:
		h.Response.Payload().ResponseCode = r.status
		h.Response.Payload().ResponsePhrase = r.reason
		h.Response.SetHeader(r.header...)
		h.Response.SetBody(r.body)
	}
}

// headerPairs flattens h into the key, value list rod expects, in a stable order.
func headerPairs(h http.Header) []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, 2*len(h))
	for _, k := range keys {
		for _, v := range h[k] {
			pairs = append(pairs, k, v)
		}
	}
	return pairs
}
