package server

import (
	"net/http"
	"time"

	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
)

func (s *Server) setupHttpRoutes() {
	logEveryRequest := false
	router := httprouter.New()

	// unprotected creates an HTTP handler that is accessible to anybody
	unprotected := func(method, route string, handle httprouter.Handle) {
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			if logEveryRequest {
				s.Log.Infof("HTTP %v %v", method, r.URL.Path)
			}
			handle(w, r, params)
		})
	}

	// ratelimited is like unprotected, but limits each client IP to requestLimit requests per windowLength.
	// If requestLimit is zero, there is no limit.
	ratelimited := func(method, route string, handle httprouter.Handle, requestLimit int, windowLength time.Duration) {
		if requestLimit <= 0 {
			unprotected(method, route, handle)
			return
		}
		limited := httprate.Limit(requestLimit, windowLength, httprate.WithKeyFuncs(httprate.KeyByIP))
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limited(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handle(w, r, params)
			})).ServeHTTP(w, r)
		})
	}

	unprotected("GET", "/api/ping", s.httpPing)
	unprotected("GET", "/api/stats", s.httpStats)

	ratelimited("POST", "/upload", s.media.HttpUpload, s.Config.UploadsPerMinute, time.Minute)
	unprotected("GET", "/historico", s.media.HttpHistory)
	unprotected("GET", "/video/:id/:kind", s.media.HttpGetVideo)
	unprotected("GET", "/thumbnail/:id", s.media.HttpThumbnail)

	s.httpRouter = router
}
