package operator

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"iotgw/internal/dispatch"
	"iotgw/internal/envelope"
	"iotgw/internal/identity"
	"iotgw/internal/logs"
	"iotgw/internal/models"
	"iotgw/internal/telemetry"
)

const maxGenerate = 100000

type Handler struct {
	deps Deps
}

func NewHandler(deps Deps) *Handler { return &Handler{deps: deps} }

// CommandRequest: тело POST /command/*.
type CommandRequest struct {
	Action  string            `json:"action"`
	Payload envelope.Document `json:"payload"`
}

func decodeCommand(w http.ResponseWriter, r *http.Request) (*CommandRequest, bool) {
	var req CommandRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body: "+err.Error(), nil)
		return nil, false
	}
	req.Action = strings.TrimSpace(req.Action)
	if req.Action == "" {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "action is required", nil)
		return nil, false
	}
	if req.Payload == nil {
		req.Payload = envelope.Document{}
	}
	return &req, true
}

func (h *Handler) Unicast(w http.ResponseWriter, r *http.Request) {
	uuid := mux.Vars(r)["uuid"]
	req, ok := decodeCommand(w, r)
	if !ok {
		return
	}
	rec, err := h.deps.Commands.Unicast(r.Context(), uuid, req.Action, req.Payload)
	switch {
	case errors.Is(err, dispatch.ErrDeviceOffline):
		models.WriteProblem(w, http.StatusNotFound, "Device Offline", "device "+uuid+" is not connected", nil)
	case errors.Is(err, dispatch.ErrDeliveryFailed):
		models.WriteProblem(w, http.StatusBadGateway, "Delivery Failed", err.Error(), map[string]any{"command": rec})
	case err != nil:
		models.WriteInternal(w, err)
	default:
		models.WriteJSON(w, http.StatusOK, rec)
	}
}

func (h *Handler) Broadcast(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCommand(w, r)
	if !ok {
		return
	}
	models.WriteJSON(w, http.StatusOK, h.deps.Commands.BroadcastCommand(r.Context(), req.Action, req.Payload))
}

func (h *Handler) GetCommand(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := h.deps.Commands.Get(r.Context(), id)
	if errors.Is(err, dispatch.ErrCommandNotFound) {
		models.WriteProblem(w, http.StatusNotFound, "Not Found", "command "+id+" not found", nil)
		return
	}
	if err != nil {
		models.WriteInternal(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, rec)
}

func (h *Handler) Clients(w http.ResponseWriter, _ *http.Request) {
	snap := h.deps.Clients.Snapshot()
	models.WriteJSON(w, http.StatusOK, map[string]any{"count": len(snap), "clients": snap})
}

func (h *Handler) ListIdentities(w http.ResponseWriter, r *http.Request) {
	slots, err := h.deps.Identities.List(r.Context())
	if err != nil {
		models.WriteInternal(w, err)
		return
	}
	assigned := 0
	for _, s := range slots {
		if s.AssignedUUID != "" {
			assigned++
		}
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{
		"total":      len(slots),
		"assigned":   assigned,
		"identities": slots,
	})
}

func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(mux.Vars(r)["count"])
	if err != nil || n < 1 || n > maxGenerate {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request",
			"count must be between 1 and "+strconv.Itoa(maxGenerate), nil)
		return
	}
	created, err := h.deps.Identities.Generate(r.Context(), n)
	if err != nil {
		models.WriteInternal(w, err)
		return
	}
	if created == nil {
		created = []string{}
	}
	logs.With("operator").Infof("generated %d identities (requested %d)", len(created), n)
	models.WriteJSON(w, http.StatusCreated, map[string]any{"generated": created})
}

// Reset: ?evict=true дополнительно закрывает все сокеты, чтобы устройства
// переподключились и запросили id заново.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	cleared, err := h.deps.Identities.ResetAll(r.Context())
	if err != nil {
		models.WriteInternal(w, err)
		return
	}
	evicted := 0
	if ev, _ := strconv.ParseBool(r.URL.Query().Get("evict")); ev {
		evicted = h.deps.Clients.EvictAll()
	}
	logs.With("operator").Infof("identity pool reset: cleared=%d evicted=%d", cleared, evicted)
	models.WriteJSON(w, http.StatusOK, map[string]any{"cleared": cleared, "evicted": evicted})
}

func (h *Handler) DeleteIdentity(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["device_id"]
	err := h.deps.Identities.Delete(r.Context(), id)
	if errors.Is(err, identity.ErrSlotNotFound) {
		models.WriteProblem(w, http.StatusNotFound, "Not Found", "device id "+id+" not found", nil)
		return
	}
	if err != nil {
		models.WriteInternal(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (h *Handler) DeleteAllIdentities(w http.ResponseWriter, r *http.Request) {
	n, err := h.deps.Identities.DeleteAll(r.Context())
	if err != nil {
		models.WriteInternal(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

// Report сохраняет внеполосный отчёт, тело это JSON-объект payload.
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	var payload envelope.Document
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&payload); err != nil || payload == nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "body must be a JSON object", nil)
		return
	}
	err := h.deps.Sink.Record(r.Context(), telemetry.Report{
		DeviceID:  deviceID,
		Action:    "report",
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		logs.With("operator").Warnf("report for %s: %v", deviceID, err)
		models.WriteProblem(w, http.StatusBadGateway, "Sink Write Failed", err.Error(), nil)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}
