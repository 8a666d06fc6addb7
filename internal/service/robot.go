package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/gorilla/mux"

	"github.com/CZERTAINLY/vbox-robot/internal/log"
	"github.com/CZERTAINLY/vbox-robot/internal/vm"
)

var callbackRx = regexp.MustCompile(`^[\[\]A-Za-z0-9_.$]{1,50}$`)

// envelope is the answer of every robot API call.
type envelope struct {
	Success bool `json:"success"`
	Result  any  `json:"result,omitempty"`
}

// robotFunc executes one robot API call. data is the JSON array of the
// data query parameter.
type robotFunc func(ctx context.Context, id string, session *vm.Session, data json.RawMessage) (any, error)

func (s *Service) robot(fn robotFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["vm"]
		session, err := s.vms.Get(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		ctx := log.ContextAttrs(r.Context(), slog.Group("vm", slog.String("id", id), slog.String("name", session.Name())))

		raw := r.URL.Query().Get("data")
		data := json.RawMessage(raw)
		if raw == "" {
			data = json.RawMessage("[]")
		}

		var answer envelope
		result, err := fn(ctx, id, session, data)
		if err != nil {
			slog.WarnContext(ctx, "robot call failed", "path", r.URL.Path, "data", raw, "error", err)
			answer.Result = fmt.Sprintf("%s when executing %s with data %s", err, r.URL.Path, raw)
		} else {
			answer.Success = true
			answer.Result = result
		}

		body, err := json.Marshal(answer)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		h := w.Header()
		h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
		h.Set("Pragma", "no-cache")
		h.Set("Expires", "Tue, 01 Jan 1970 00:00:00 GMT")
		if cb := r.URL.Query().Get("callback"); callbackRx.MatchString(cb) {
			h.Set("Content-Type", "text/javascript; charset=utf-8")
			h.Set("X-Content-Type-Options", "nosniff")
			fmt.Fprintf(w, "/**/ %s(%s);", cb, body)
			return
		}
		h.Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write(body)
	}
}

// ints decodes data as an array of at least n integers.
func ints(data json.RawMessage, n int) ([]int, error) {
	var v []int
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("expected an array of integers: %w", err)
	}
	if len(v) < n {
		return nil, fmt.Errorf("expected %d arguments, got %d", n, len(v))
	}
	return v, nil
}

func mouseMove(ctx context.Context, _ string, session *vm.Session, data json.RawMessage) (any, error) {
	v, err := ints(data, 2)
	if err != nil {
		return nil, err
	}
	return nil, session.MouseMove(ctx, v[0], v[1])
}

func smoothMouseMove(ctx context.Context, _ string, session *vm.Session, data json.RawMessage) (any, error) {
	v, err := ints(data, 5)
	if err != nil {
		return nil, err
	}
	return nil, session.SmoothMouseMove(ctx, v[0], v[1], v[2], v[3], time.Duration(v[4])*time.Millisecond)
}

func mousePress(ctx context.Context, _ string, session *vm.Session, data json.RawMessage) (any, error) {
	v, err := ints(data, 1)
	if err != nil {
		return nil, err
	}
	return nil, session.MousePress(ctx, v[0])
}

func mouseRelease(ctx context.Context, _ string, session *vm.Session, data json.RawMessage) (any, error) {
	v, err := ints(data, 1)
	if err != nil {
		return nil, err
	}
	return nil, session.MouseRelease(ctx, v[0])
}

func mouseWheel(ctx context.Context, _ string, session *vm.Session, data json.RawMessage) (any, error) {
	v, err := ints(data, 1)
	if err != nil {
		return nil, err
	}
	return nil, session.MouseWheel(ctx, v[0])
}

func keyboardSendScancodes(ctx context.Context, _ string, session *vm.Session, data json.RawMessage) (any, error) {
	var v [][]int
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("expected an array of scancodes: %w", err)
	}
	if len(v) < 1 {
		return nil, fmt.Errorf("expected 1 argument, got 0")
	}
	_, err := session.SendScancodes(ctx, v[0])
	return nil, err
}

func (s *Service) calibrateCall(ctx context.Context, id string, session *vm.Session, data json.RawMessage) (any, error) {
	size, err := ints(data, 0)
	if err != nil {
		return nil, err
	}
	return s.calibrate(ctx, id, session, size)
}
