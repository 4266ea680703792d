package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	catalogcache "github.com/wolfeidau/catalog-cache"
	"github.com/wolfeidau/catalog-cache/cache"
	"github.com/wolfeidau/catalog-cache/datalayer"
	"github.com/wolfeidau/catalog-cache/telemetry"
	"github.com/wolfeidau/catalog-cache/vault"
)

// maxBodySize bounds request bodies.
const maxBodySize = 8 << 20

const defaultListLimit = 10

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "health")
	writeJSON(w, http.StatusOK, s.data.HealthCheck(r.Context()))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "stats")
	writeJSON(w, http.StatusOK, s.data.GetCacheStats(r.Context()))
}

func (s *Server) handleCacheGet(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "cache_get")

	v, ok := s.data.CacheGet(r.Context(), r.PathValue("key"))
	if !ok {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	telemetry.SetCacheResult(r, telemetry.CacheHit)
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleCacheSet(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "cache_set")

	var v cache.Value
	if !decodeBody(w, r, &v) {
		return
	}
	if v.Kind == "" {
		v.Kind = cache.KindRaw
	}

	err := s.data.CacheSet(r.Context(), r.PathValue("key"), v.Kind, v.Data)
	switch {
	case errors.Is(err, cache.ErrEntryTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleCacheDelete(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "cache_delete")

	ok, err := s.data.CacheDelete(r.Context(), r.PathValue("key"))
	switch {
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case !ok:
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
		writeError(w, http.StatusNotFound, "not found")
	default:
		telemetry.SetCacheResult(r, telemetry.CacheHit)
		w.WriteHeader(http.StatusNoContent)
	}
}

type frameworksResponse struct {
	Records  []catalogcache.FrameworkRecord `json:"records"`
	Source   catalogcache.Source            `json:"source"`
	StaleIDs []string                       `json:"staleIds,omitempty"`
}

func (s *Server) handleGetFrameworks(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "get_framework_data")
	tag := r.PathValue("tag")
	telemetry.SetEndpoint(r, tag)

	limit, ok := intParam(w, r, "limit", defaultListLimit)
	if !ok {
		return
	}

	records, src := s.data.GetFrameworkData(r.Context(), tag, limit)
	resp := frameworksResponse{Records: records, Source: src}
	if resp.Records == nil {
		resp.Records = []catalogcache.FrameworkRecord{}
	}
	for _, rec := range records {
		if s.data.IsStale(rec) {
			resp.StaleIDs = append(resp.StaleIDs, rec.ID)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStoreFrameworks(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "store_framework_data")

	var records []catalogcache.FrameworkRecord
	if !decodeBody(w, r, &records) {
		return
	}
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	res, err := s.data.StoreFrameworkData(r.Context(), records)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	telemetry.SetSource(r.Context(), string(res.Source()))
	writeJSON(w, http.StatusOK, map[string]any{
		"remote":   res.Remote,
		"mirrored": res.Mirrored,
		"source":   res.Source(),
	})
}

type indexRequest struct {
	Records      []catalogcache.FrameworkRecord `json:"records"`
	ChunkSize    int                            `json:"chunkSize"`
	ChunkOverlap *int                           `json:"chunkOverlap"`
}

func (s *Server) handleIndexFrameworks(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "index_framework_records")

	var req indexRequest
	if !decodeBody(w, r, &req) {
		return
	}
	size := req.ChunkSize
	if size <= 0 {
		size = catalogcache.DefaultChunkSize
	}
	overlap := -1
	if req.ChunkOverlap != nil {
		overlap = *req.ChunkOverlap
		if overlap < 0 || overlap >= size {
			writeError(w, http.StatusBadRequest, "chunkOverlap must be in [0, chunkSize)")
			return
		}
	}
	for _, rec := range req.Records {
		if err := rec.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	res, err := s.data.IndexFrameworkRecords(r.Context(), req.Records, size, overlap)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	telemetry.SetSource(r.Context(), string(res.Source))
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "search_framework_data")

	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "missing q")
		return
	}
	writeJSON(w, http.StatusOK, s.data.SearchFrameworkData(r.Context(), q, r.URL.Query().Get("framework")))
}

func (s *Server) handleStoreEmbeddings(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "store_vector_embeddings")

	var records []catalogcache.VectorRecord
	if !decodeBody(w, r, &records) {
		return
	}
	src, err := s.data.StoreVectorEmbeddings(r.Context(), records)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	writeJSON(w, http.StatusOK, map[string]any{"stored": len(records), "ids": ids, "source": src})
}

func (s *Server) handleSearchEmbeddings(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "search_vector_embeddings")

	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "missing q")
		return
	}
	limit, ok := intParam(w, r, "limit", defaultListLimit)
	if !ok {
		return
	}

	results, src := s.data.SearchVectorEmbeddings(r.Context(), q, r.URL.Query().Get("framework"), limit)
	writeJSON(w, http.StatusOK, map[string]any{"results": results, "source": src})
}

func (s *Server) handleEmbed(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "generate_embedding")

	var req struct {
		Text string `json:"text"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	vec, src := s.data.GenerateEmbedding(r.Context(), req.Text)
	writeJSON(w, http.StatusOK, map[string]any{"embedding": vec, "source": src})
}

func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "list_api_keys")

	services, err := s.data.ListAPIKeyServices(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if services == nil {
		services = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": services})
}

func (s *Server) handlePutSecret(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "store_api_key")

	var req struct {
		Key string `json:"key"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "missing key")
		return
	}
	if err := s.data.StoreEncryptedAPIKey(r.Context(), r.PathValue("service"), req.Key); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSecret(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "get_api_key")
	service := r.PathValue("service")

	key, err := s.data.GetEncryptedAPIKey(r.Context(), service)
	switch {
	case errors.Is(err, datalayer.ErrNoSuchKey):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, vault.ErrDecryption):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"service": service, "key": key})
	}
}

func (s *Server) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "delete_api_key")

	if err := s.data.DeleteAPIKey(r.Context(), r.PathValue("service")); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueries(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "recent_queries")

	limit, ok := intParam(w, r, "limit", defaultListLimit)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.data.RecentQueries(r.Context(), r.URL.Query().Get("framework"), limit))
}

func (s *Server) handleSanitize(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "sanitize")

	var req struct {
		Code string `json:"code"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"code": vault.Sanitize(req.Code)})
}

func (s *Server) handleCheckArchive(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "check_archive")

	// only the signature matters
	head := make([]byte, 4)
	n, err := io.ReadFull(http.MaxBytesReader(w, r.Body, maxBodySize), head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := vault.CheckArchive(head[:n]); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "empty request body")
		default:
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		}
		return false
	}
	return true
}

func intParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
