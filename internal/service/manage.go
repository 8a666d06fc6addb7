package service

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/CZERTAINLY/vbox-robot/internal/model"
	"github.com/CZERTAINLY/vbox-robot/internal/vbox"
	"github.com/CZERTAINLY/vbox-robot/internal/vm"
)

const maxRequestBody = 1 << 20

// ProvisionRequest is the body of POST /.
type ProvisionRequest struct {
	Name                     string `json:"name,omitempty"`
	Clone                    string `json:"clone,omitempty"`
	Snapshot                 string `json:"snapshot,omitempty"`
	Connect                  string `json:"connect,omitempty"`
	CloseOnFailedCalibration bool   `json:"closeOnFailedCalibration,omitempty"`
}

// ProvisionResponse holds the URLs to drive a provisioned virtual machine.
type ProvisionResponse struct {
	API   string `json:"api"`
	Run   string `json:"run"`
	Close string `json:"close"`
}

func (s *Service) routes() *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/vm/{vm}/api").Subrouter()
	api.HandleFunc("/mouseMove", s.robot(mouseMove)).Methods(http.MethodGet)
	api.HandleFunc("/smoothMouseMove", s.robot(smoothMouseMove)).Methods(http.MethodGet)
	api.HandleFunc("/mousePress", s.robot(mousePress)).Methods(http.MethodGet)
	api.HandleFunc("/mouseRelease", s.robot(mouseRelease)).Methods(http.MethodGet)
	api.HandleFunc("/mouseWheel", s.robot(mouseWheel)).Methods(http.MethodGet)
	api.HandleFunc("/keyboardSendScancodes", s.robot(keyboardSendScancodes)).Methods(http.MethodGet)
	api.HandleFunc("/calibrate", s.robot(s.calibrateCall)).Methods(http.MethodGet)

	manage := r.NewRoute().Subrouter()
	manage.Use(s.basicAuth)
	manage.HandleFunc("/", s.handleProvision).Methods(http.MethodPost)
	manage.HandleFunc("/vm/{vm}/run", s.handleRun).Methods(http.MethodPost)
	manage.HandleFunc("/vm/{vm}/close", s.handleClose).Methods(http.MethodPost)

	r.Handle("/metrics", s.metrics.handler()).Methods(http.MethodGet)
	return r
}

// basicAuth checks the credentials of the server configuration. Only the
// configured ones are compared.
func (s *Service) basicAuth(next http.Handler) http.Handler {
	srv := s.cfg.Server
	if !srv.AuthEnabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, password, ok := r.BasicAuth()
		if !ok || !matches(srv.Username, user) || !matches(srv.Password, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="protected area"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func matches(want *string, got string) bool {
	if want == nil {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(*want), []byte(got)) == 1
}

func (s *Service) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req ProvisionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decoding request: %s", err), http.StatusBadRequest)
		return
	}

	id := req.Name
	if id == "" {
		id = uuid.NewString()
	}
	_, err := s.provision(r.Context(), id, model.VM{
		Clone:                    req.Clone,
		Snapshot:                 req.Snapshot,
		Name:                     id,
		Connect:                  req.Connect,
		CloseOnFailedCalibration: req.CloseOnFailedCalibration,
	})
	if err != nil {
		slog.ErrorContext(r.Context(), "provisioning failed", "id", id, "error", err)
		http.Error(w, err.Error(), statusOf(err))
		return
	}

	base := baseURL(r) + "/vm/" + url.PathEscape(id)
	writeJSON(w, ProvisionResponse{
		API:   base + "/api",
		Run:   base + "/run",
		Close: base + "/close",
	})
}

func (s *Service) handleRun(w http.ResponseWriter, r *http.Request) {
	session, err := s.vms.Get(mux.Vars(r)["vm"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	var params vm.ProcessParams
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&params); err != nil {
		http.Error(w, fmt.Sprintf("decoding request: %s", err), http.StatusBadRequest)
		return
	}
	if len(params.CommandLine) == 0 {
		http.Error(w, "commandLine is required", http.StatusBadRequest)
		return
	}
	result, err := session.RunProcess(r.Context(), params)
	if err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	writeJSON(w, result)
}

func (s *Service) handleClose(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["vm"]
	session, err := s.vms.Get(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err := s.vms.Close(context.WithoutCancel(r.Context()), id, session); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	slog.InfoContext(r.Context(), "virtual machine closed", "id", id)
	w.WriteHeader(http.StatusOK)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, vm.ErrExists):
		return http.StatusConflict
	case errors.Is(err, vm.ErrNotRunning), errors.Is(err, vm.ErrNotActive):
		return http.StatusConflict
	case vbox.IsObjectNotFound(err):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writing response", "error", err)
	}
}
