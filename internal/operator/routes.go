package operator

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"iotgw/internal/dispatch"
	"iotgw/internal/envelope"
	"iotgw/internal/identity"
	"iotgw/internal/registry"
	"iotgw/internal/telemetry"
)

type Commands interface {
	Unicast(ctx context.Context, uuid, action string, payload envelope.Document) (*dispatch.Record, error)
	BroadcastCommand(ctx context.Context, action string, payload envelope.Document) dispatch.BroadcastResult
	Get(ctx context.Context, id string) (*dispatch.Record, error)
}

type Identities interface {
	Generate(ctx context.Context, n int) ([]string, error)
	ResetAll(ctx context.Context) (int64, error)
	List(ctx context.Context) ([]identity.Slot, error)
	Delete(ctx context.Context, deviceID string) error
	DeleteAll(ctx context.Context) (int64, error)
}

type Clients interface {
	Snapshot() []registry.Info
	EvictAll() int
}

type Deps struct {
	Commands   Commands
	Identities Identities
	Clients    Clients
	Sink       telemetry.Sink
}

// RegisterRoutes вешает операторский API на r под bearer-авторизацией.
func RegisterRoutes(r *mux.Router, token string, deps Deps) {
	sub := r.NewRoute().Subrouter()
	sub.Use(BearerAuth(token))
	h := NewHandler(deps)

	sub.HandleFunc("/command/broadcast", h.Broadcast).Methods(http.MethodPost)
	sub.HandleFunc("/command/{uuid}", h.Unicast).Methods(http.MethodPost)
	sub.HandleFunc("/commands/{id}", h.GetCommand).Methods(http.MethodGet)
	sub.HandleFunc("/clients", h.Clients).Methods(http.MethodGet)

	sub.HandleFunc("/identities", h.ListIdentities).Methods(http.MethodGet)
	sub.HandleFunc("/identities/generate/{count:[0-9]+}", h.Generate).Methods(http.MethodPost)
	sub.HandleFunc("/identities/reset", h.Reset).Methods(http.MethodPost)
	sub.HandleFunc("/identities", h.DeleteAllIdentities).Methods(http.MethodDelete)
	sub.HandleFunc("/identities/{device_id}", h.DeleteIdentity).Methods(http.MethodDelete)

	sub.HandleFunc("/report/{device_id}", h.Report).Methods(http.MethodPost)
}
