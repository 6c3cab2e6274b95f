package intercept

import (
	"errors"
	"io"
	"net/http"
	"syscall"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"ragbridge/internal/assets"
)

// Routes mounts the local authority on r. Bodies are streamed with io.Copy so
// large model files are never held in memory. Unresolvable identifiers answer
// 404, the loopback equivalent of pass-through.
func (i *Interceptor) Routes(r chi.Router) {
	r.Get("/*", i.serveHTTP)
	r.Head("/*", i.serveHTTP)
}

// Handler returns a standalone router serving the local authority.
func (i *Interceptor) Handler() http.Handler {
	r := chi.NewRouter()
	i.Routes(r)
	return r
}

// serveHTTP treats the request path as if it were addressed to the local
// authority, so an authority with a path prefix maps the same way it does
// under interception.
func (i *Interceptor) serveHTTP(w http.ResponseWriter, r *http.Request) {
	local := *i.authority
	local.Path, local.RawPath = r.URL.Path, ""
	id, eligible := assets.FromURL(&local, i.authority)
	if !eligible {
		http.NotFound(w, r)
		return
	}

	resp, ok := i.Respond(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	defer resp.Body.Close()

	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return
	}

	if _, err := io.Copy(w, resp.Body); err != nil && !clientGone(err) {
		i.logger.Error("stream failure while serving resource",
			zap.String("id", string(id)), zap.Error(err))
	}
}

func clientGone(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET)
}
