package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/toncenter/telemetry/internal/binding"
	"github.com/toncenter/telemetry/internal/store"
	"github.com/toncenter/telemetry/internal/valset"
)

const (
	ReportStatusPath     = "/report_status"
	ReportOverlaysPath   = "/report_overlays"
	TelemetryDataPath    = "/getTelemetryData"
	OverlaysDataPath     = "/getOverlaysData"
	ValidatorCountryPath = "/getValidatorCountry"
	AddressKnownPath     = "/checkAddressKnown"
	HealthzPath          = "/healthz"
	ReadyzPath           = "/readyz"
)

// realIPHeader is set by the fronting proxy; the service trusts it as the
// reporter's source endpoint.
const realIPHeader = "X-Real-IP"

type Handler struct {
	log       *slog.Logger
	cfg       Config
	auth      *Authorizer
	validator *binding.Validator
	valset    *valset.Cache

	countryCache *ttlcache.Cache[string, *string]
}

func NewHandler(log *slog.Logger, cfg Config, validator *binding.Validator, vs *valset.Cache) (*Handler, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if validator == nil {
		return nil, errors.New("binding validator is required")
	}
	if vs == nil {
		return nil, errors.New("validator set cache is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("handler config validation failed: %w", err)
	}

	return &Handler{
		log:       log,
		cfg:       cfg,
		auth:      NewAuthorizer(cfg.Grants),
		validator: validator,
		valset:    vs,
		countryCache: ttlcache.New(
			ttlcache.WithTTL[string, *string](cfg.CountryCacheTTL),
		),
	}, nil
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc(HealthzPath, h.recovered(h.healthzHandler))
	mux.HandleFunc(ReadyzPath, h.recovered(h.readyzHandler))
	mux.HandleFunc(ReportStatusPath, h.recovered(h.reportStatusHandler))
	mux.HandleFunc(ReportOverlaysPath, h.recovered(h.reportOverlaysHandler))
	mux.HandleFunc(TelemetryDataPath, h.recovered(h.telemetryDataHandler))
	mux.HandleFunc(OverlaysDataPath, h.recovered(h.overlaysDataHandler))
	mux.HandleFunc(ValidatorCountryPath, h.recovered(h.validatorCountryHandler))
	mux.HandleFunc(AddressKnownPath, h.recovered(h.addressKnownHandler))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeDetail(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, Detail{Detail: msg})
}

// recovered converts panics and otherwise unclassified failures into the
// uniform 503 envelope, leaking no internal detail.
func (h *Handler) recovered(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.log.Error("panic in handler", "path", r.URL.Path, "panic", rec)
				h.writeDetail(w, http.StatusServiceUnavailable, "unknown")
			}
		}()
		next(w, r)
	}
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.log.Error("request failed", "path", r.URL.Path, "error", err)
	h.writeDetail(w, http.StatusServiceUnavailable, "unknown")
}

// authorize checks the api_key query parameter against the grant table
// and writes the 401/403 response itself on failure.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, method string) bool {
	key := r.URL.Query().Get("api_key")
	err := h.auth.Authorize(key, method)
	switch {
	case errors.Is(err, ErrUnknownKey):
		h.log.Info("data request with unknown api key", "method", method)
		h.writeDetail(w, http.StatusUnauthorized, "not authorized")
		return false
	case errors.Is(err, ErrMethodNotAllowed):
		h.log.Info("api key lacks permission", "method", method)
		h.writeDetail(w, http.StatusForbidden, "not authorized")
		return false
	}
	return true
}

func (h *Handler) reportStatusHandler(w http.ResponseWriter, r *http.Request) {
	h.handleReport(w, r, ReportStatusPath, h.cfg.Telemetry, "gitHashes",
		"adnlAddr and gitHashes are required")
}

func (h *Handler) reportOverlaysHandler(w http.ResponseWriter, r *http.Request) {
	h.handleReport(w, r, ReportOverlaysPath, h.cfg.Overlays, "overlays",
		"adnlAddr and overlays are required")
}

// handleReport is the shared ingestion path: required-field checks, the
// binding validator, then codec and store.
func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request, endpoint string, dst RecordStore, requiredField, missingMsg string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		ReportErrorsTotal.WithLabelValues(endpoint, "method_not_allowed").Inc()
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodySize)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			h.writeDetail(w, http.StatusRequestEntityTooLarge, "request body too large")
			ReportErrorsTotal.WithLabelValues(endpoint, "body_too_large").Inc()
			return
		}
		h.writeDetail(w, http.StatusUnprocessableEntity, "failed to read body")
		ReportErrorsTotal.WithLabelValues(endpoint, "read_body").Inc()
		return
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		h.writeDetail(w, http.StatusUnprocessableEntity, "invalid json body")
		ReportErrorsTotal.WithLabelValues(endpoint, "invalid_json").Inc()
		return
	}

	adnlRaw, ok := body["adnlAddr"]
	if !ok {
		h.writeDetail(w, http.StatusUnprocessableEntity, missingMsg)
		ReportErrorsTotal.WithLabelValues(endpoint, "missing_fields").Inc()
		return
	}
	if adnlRaw == nil {
		h.writeDetail(w, http.StatusUnprocessableEntity, "adnlAddr cannot be null")
		ReportErrorsTotal.WithLabelValues(endpoint, "null_adnl").Inc()
		return
	}
	adnl, ok := adnlRaw.(string)
	if !ok {
		h.writeDetail(w, http.StatusUnprocessableEntity, "adnlAddr must be a string")
		ReportErrorsTotal.WithLabelValues(endpoint, "bad_adnl").Inc()
		return
	}
	if _, ok := body[requiredField]; !ok {
		h.writeDetail(w, http.StatusUnprocessableEntity, missingMsg)
		ReportErrorsTotal.WithLabelValues(endpoint, "missing_fields").Inc()
		return
	}

	origin := r.Header.Get(realIPHeader)
	if origin == "" {
		h.writeDetail(w, http.StatusUnprocessableEntity, "missing "+realIPHeader+" header")
		ReportErrorsTotal.WithLabelValues(endpoint, "missing_origin").Inc()
		return
	}
	originHash := h.cfg.Codec.HashOrigin(origin)

	allowed, err := h.validator.Validate(r.Context(), adnl, originHash)
	if err != nil {
		h.internalError(w, r, err)
		ReportErrorsTotal.WithLabelValues(endpoint, "internal").Inc()
		return
	}
	if !allowed {
		h.writeDetail(w, http.StatusForbidden, "not allowed")
		ReportErrorsTotal.WithLabelValues(endpoint, "binding_rejected").Inc()
		return
	}

	// The identity lives in its own column; everything else stays the
	// client's opaque payload.
	delete(body, "adnlAddr")
	payload, err := json.Marshal(body)
	if err != nil {
		h.internalError(w, r, err)
		ReportErrorsTotal.WithLabelValues(endpoint, "internal").Inc()
		return
	}

	country, isp := h.cfg.Codec.Enrich(origin)

	var validatorInfo *string
	if info, ok := h.valset.Lookup(adnl); ok {
		if b, err := json.Marshal(info); err == nil {
			s := string(b)
			validatorInfo = &s
		}
	}

	rec := store.Record{
		ADNLAddress:   adnl,
		OriginHash:    originHash,
		OriginCountry: country,
		OriginISP:     isp,
		ValidatorInfo: validatorInfo,
		Payload:       string(payload),
	}
	if err := dst.Insert(r.Context(), rec); err != nil {
		h.internalError(w, r, err)
		ReportErrorsTotal.WithLabelValues(endpoint, "insert").Inc()
		return
	}

	ReportsTotal.WithLabelValues(endpoint).Inc()
	h.writeJSON(w, http.StatusOK, "ok")
}

func (h *Handler) telemetryDataHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		h.writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !h.authorize(w, r, "getTelemetryData") {
		return
	}

	f, ok := h.parseQueryFilter(w, r)
	if !ok {
		return
	}
	if ip := r.URL.Query().Get("ip_address"); ip != "" {
		// Raw endpoints are never stored, so the filter compares hashes.
		f.OriginHash = h.cfg.Codec.HashOrigin(ip)
	}

	recs, err := h.cfg.Telemetry.Query(r.Context(), f)
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	QueriesTotal.WithLabelValues(TelemetryDataPath).Inc()
	h.writeJSON(w, http.StatusOK, toRecordResponses(recs))
}

func (h *Handler) overlaysDataHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		h.writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !h.authorize(w, r, "getOverlaysData") {
		return
	}

	f, ok := h.parseQueryFilter(w, r)
	if !ok {
		return
	}

	recs, err := h.cfg.Overlays.Query(r.Context(), f)
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	QueriesTotal.WithLabelValues(OverlaysDataPath).Inc()
	h.writeJSON(w, http.StatusOK, toRecordResponses(recs))
}

// parseQueryFilter reads timestamp_from (required), timestamp_to and
// adnl_address from the query string, writing the 422 itself on failure.
func (h *Handler) parseQueryFilter(w http.ResponseWriter, r *http.Request) (store.Filter, bool) {
	q := r.URL.Query()

	fromRaw := q.Get("timestamp_from")
	if fromRaw == "" {
		h.writeDetail(w, http.StatusUnprocessableEntity, "timestamp_from is required")
		return store.Filter{}, false
	}
	from, err := parseEpoch(fromRaw)
	if err != nil {
		h.writeDetail(w, http.StatusUnprocessableEntity, "timestamp_from must be a unix timestamp")
		return store.Filter{}, false
	}

	f := store.Filter{
		From:        from,
		ADNLAddress: q.Get("adnl_address"),
	}

	if toRaw := q.Get("timestamp_to"); toRaw != "" {
		to, err := parseEpoch(toRaw)
		if err != nil {
			h.writeDetail(w, http.StatusUnprocessableEntity, "timestamp_to must be a unix timestamp")
			return store.Filter{}, false
		}
		f.To = to
	}
	return f, true
}

func (h *Handler) validatorCountryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		h.writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !h.authorize(w, r, "getValidatorCountry") {
		return
	}

	adnl := r.URL.Query().Get("adnl_address")
	if adnl == "" {
		h.writeDetail(w, http.StatusUnprocessableEntity, "adnl_address is required")
		return
	}

	QueriesTotal.WithLabelValues(ValidatorCountryPath).Inc()

	if item := h.countryCache.Get(adnl); item != nil {
		h.writeJSON(w, http.StatusOK, ValidatorCountryResponse{ADNLAddress: adnl, Country: item.Value()})
		return
	}

	since := h.cfg.Clock.Now().UTC().Add(-h.cfg.CountryFreshness)
	rec, err := h.cfg.Telemetry.LatestByIdentity(r.Context(), adnl, since)
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.writeDetail(w, http.StatusNotFound, "no recent telemetry for address")
		return
	case err != nil:
		h.internalError(w, r, err)
		return
	}

	h.countryCache.Set(adnl, rec.OriginCountry, ttlcache.DefaultTTL)
	h.writeJSON(w, http.StatusOK, ValidatorCountryResponse{ADNLAddress: adnl, Country: rec.OriginCountry})
}

func (h *Handler) addressKnownHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		h.writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	adnl := q.Get("adnl_address")
	fromRaw := q.Get("timestamp_from")
	if adnl == "" || fromRaw == "" {
		h.writeDetail(w, http.StatusUnprocessableEntity, "adnl_address and timestamp_from are required")
		return
	}
	from, err := parseEpoch(fromRaw)
	if err != nil {
		h.writeDetail(w, http.StatusUnprocessableEntity, "timestamp_from must be a unix timestamp")
		return
	}

	known, err := h.cfg.Telemetry.ExistsSince(r.Context(), adnl, from)
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	QueriesTotal.WithLabelValues(AddressKnownPath).Inc()
	h.writeJSON(w, http.StatusOK, AddressKnownResponse{AddressKnown: known})
}

func (h *Handler) healthzHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		h.writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
}

func (h *Handler) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		h.writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if !h.valset.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		if r.Method == http.MethodHead {
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "not_ready"})
		return
	}

	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ready"})
}

// parseEpoch converts a fractional unix-seconds string to a time.
func parseEpoch(s string) (time.Time, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, err
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}

// epochSeconds renders a time as fractional unix seconds, the wire format
// for record timestamps.
func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
