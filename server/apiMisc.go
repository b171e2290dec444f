package server

import (
	"net/http"
	"time"

	"github.com/cyclopcam/vidfilter/server/ingest"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	type pingJSON struct {
		Time int64 `json:"time"`
	}
	ping := &pingJSON{
		Time: time.Now().Unix(),
	}
	www.SendJSON(w, ping)
}

func (s *Server) httpStats(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	type statsJSON struct {
		Videos int64               `json:"videos"` // Rows in the catalog
		Ingest ingest.StatsSummary `json:"ingest"` // Since the server started
	}
	n, err := s.Catalog.Count()
	www.Check(err)
	www.CacheNever(w)
	www.SendJSON(w, &statsJSON{
		Videos: n,
		Ingest: s.pipeline.Stats.Summary(),
	})
}
