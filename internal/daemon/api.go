package daemon

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dvnet/internal/dv"
	"dvnet/internal/metrics"
	"dvnet/internal/network"
	"dvnet/internal/peer"
	"dvnet/internal/proto"
)

const maxAPIBodySize = proto.MaxMessageSize

// router is the routing service as the client API sees it.
type router interface {
	Self() peer.ID
	Neighbors() []dv.Neighbor
	Routes() []dv.Route
	Send(dest peer.ID, payload []byte) error
}

// API is the loopback HTTP surface local clients use to inspect the table,
// send payloads and read deliveries.
type API struct {
	svc     router
	inbox   *Inbox
	metrics *metrics.Metrics
	links   func() []network.LinkInfo
}

func NewAPI(svc router, inbox *Inbox, m *metrics.Metrics, links func() []network.LinkInfo) *API {
	return &API{svc: svc, inbox: inbox, metrics: m, links: links}
}

func (api *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", api.handleHealth)
	mux.HandleFunc("/v1/neighbors", api.handleNeighbors)
	mux.HandleFunc("/v1/routes", api.handleRoutes)
	mux.HandleFunc("/v1/links", api.handleLinks)
	mux.HandleFunc("/v1/send", api.handleSend)
	mux.HandleFunc("/v1/inbox", api.handleInbox)
	if api.metrics != nil {
		mux.Handle("/metrics", api.metrics.Handler())
	}
	return mux
}

type NeighborView struct {
	ID          string    `json:"id"`
	OurID       uint32    `json:"our_id,omitempty"`
	Hidden      bool      `json:"hidden"`
	LatencyMS   float64   `json:"latency_ms"`
	Distance    uint32    `json:"distance"`
	ConnectedAt time.Time `json:"connected_at"`
	Referred    int       `json:"referred"`
}

type RouteView struct {
	Peer       string    `json:"peer"`
	Referrer   string    `json:"referrer"`
	OurID      uint32    `json:"our_id"`
	ReferrerID uint32    `json:"referrer_id"`
	Cost       uint32    `json:"cost"`
	Hidden     bool      `json:"hidden"`
	LastActive time.Time `json:"last_active"`
}

type LinkView struct {
	Peer        string    `json:"peer"`
	Session     string    `json:"session"`
	RemoteAddr  string    `json:"remote_addr"`
	ListenAddr  string    `json:"listen_addr,omitempty"`
	Outbound    bool      `json:"outbound"`
	Established time.Time `json:"established"`
	Queued      int       `json:"queued"`
}

type DeliveredView struct {
	Seq     uint64    `json:"seq"`
	At      time.Time `json:"at"`
	Origin  string    `json:"origin"`
	Cost    uint32    `json:"cost"`
	Type    uint16    `json:"type"`
	Payload []byte    `json:"payload"`
}

type SendResult struct {
	To    string `json:"to"`
	Bytes int    `json:"bytes"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func (api *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"node_id":   api.svc.Self().String(),
		"neighbors": len(api.svc.Neighbors()),
	})
}

func (api *API) handleNeighbors(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	ns := api.svc.Neighbors()
	out := make([]NeighborView, 0, len(ns))
	for _, n := range ns {
		out = append(out, NeighborView{
			ID:          n.ID.String(),
			OurID:       n.OurID,
			Hidden:      n.Hidden,
			LatencyMS:   float64(n.Latency) / float64(time.Millisecond),
			Distance:    n.Distance,
			ConnectedAt: n.ConnectedAt,
			Referred:    n.Referred,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"self": api.svc.Self().String(), "neighbors": out})
}

func (api *API) handleRoutes(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	rs := api.svc.Routes()
	out := make([]RouteView, 0, len(rs))
	for _, rt := range rs {
		out = append(out, RouteView{
			Peer:       rt.Peer.String(),
			Referrer:   rt.Referrer.String(),
			OurID:      rt.OurID,
			ReferrerID: rt.ReferrerID,
			Cost:       rt.Cost,
			Hidden:     rt.Hidden,
			LastActive: rt.LastActive,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": out})
}

func (api *API) handleLinks(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	out := []LinkView{}
	if api.links != nil {
		for _, l := range api.links() {
			out = append(out, LinkView{
				Peer:        l.Peer.String(),
				Session:     l.Session,
				RemoteAddr:  l.RemoteAddr,
				ListenAddr:  l.ListenAddr,
				Outbound:    l.Outbound,
				Established: l.Established,
				Queued:      l.Queued,
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"links": out})
}

// handleSend routes the request body to ?to=<hex id>. With ?type=<n> the
// body is wrapped as an application message of that type; otherwise it
// must already be a complete message.
func (api *API) handleSend(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	dest, err := peer.ParseID(r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad destination: "+err.Error())
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxAPIBodySize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxAPIBodySize {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	payload := body
	if raw := strings.TrimSpace(r.URL.Query().Get("type")); raw != "" {
		typ, err := strconv.ParseUint(raw, 0, 16)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad type: "+err.Error())
			return
		}
		payload, err = proto.NewAppMessage(uint16(typ), body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if err := api.svc.Send(dest, payload); err != nil {
		writeError(w, sendStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, SendResult{To: dest.String(), Bytes: len(payload)})
}

func sendStatus(err error) int {
	switch {
	case errors.Is(err, dv.ErrNoRoute):
		return http.StatusNotFound
	case errors.Is(err, dv.ErrSendRefused):
		return http.StatusServiceUnavailable
	case errors.Is(err, dv.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusBadRequest
	}
}

func (api *API) handleInbox(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	var after uint64
	if raw := r.URL.Query().Get("after"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad after: "+err.Error())
			return
		}
		after = v
	}
	out := []DeliveredView{}
	for _, d := range api.inbox.Since(after) {
		out = append(out, DeliveredView{
			Seq:     d.Seq,
			At:      d.At,
			Origin:  d.Origin.String(),
			Cost:    d.Cost,
			Type:    d.Type,
			Payload: d.Payload,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out, "dropped": api.inbox.Dropped()})
}
