// Package server maps the service implementations onto HTTP routes of a goa
// muxer.
package server

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	goahttp "goa.design/goa/v3/http"
	"goa.design/goa/v3/middleware"
	goa "goa.design/goa/v3/pkg"

	"seedeep/internal/camera"
	"seedeep/internal/relay"
	"seedeep/internal/services"
	"seedeep/internal/stream"
	"seedeep/internal/ws"
)

// MountPoint holds information about a mounted endpoint
type MountPoint struct {
	// Method is the name of the service method served by the mounted HTTP handler.
	Method string
	// Verb is the HTTP method used to match requests to the mounted handler.
	Verb string
	// Pattern is the HTTP request path pattern used to match requests to the
	// mounted handler.
	Pattern string
}

// Options carries the handlers served by the HTTP surface. Relay, WS and
// Previews are optional; their routes are only mounted when set.
type Options struct {
	Health   *services.HealthImplementation
	Cameras  *services.CameraImplementation
	Auth     *services.AuthImplementation
	Relay    *relay.Handler
	WS       *ws.Handler
	Previews *stream.PreviewManager
	Logger   *log.Logger
}

// Server lists the mounted endpoints
type Server struct {
	Mounts []*MountPoint

	mux    goahttp.Muxer
	logger *log.Logger
	encErr func(context.Context, http.ResponseWriter, error) error
}

// errorBody is the JSON error document. Detail repeats the message for
// clients that only read that field.
type errorBody struct {
	*goahttp.ErrorResponse
	Detail string `json:"detail"`
}

func (e *errorBody) StatusCode() int {
	switch e.Name {
	case services.ErrNameNotFound:
		return http.StatusNotFound
	case services.ErrNameBadRequest, goa.MissingPayload, goa.DecodePayload, goa.InvalidFieldType:
		return http.StatusBadRequest
	case services.ErrNameUnauthorized:
		return http.StatusUnauthorized
	case services.ErrNameTemporarilyUnavailable:
		return http.StatusServiceUnavailable
	}
	return e.ErrorResponse.StatusCode()
}

// New mounts every route on mux
func New(mux goahttp.Muxer, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{mux: mux, logger: logger}
	s.encErr = goahttp.ErrorEncoder(goahttp.ResponseEncoder, s.formatError)

	s.mountHealth(opts.Health)
	s.mountAuth(opts.Auth)
	s.mountCameras(opts.Cameras)

	if opts.Relay != nil {
		s.raw("stream", http.MethodGet, "/api/v1/cameras/{id}/stream", func(w http.ResponseWriter, r *http.Request) {
			opts.Relay.ServeStream(w, r, mux.Vars(r)["id"])
		})
		s.raw("stream preflight", http.MethodOptions, "/api/v1/cameras/{id}/stream", opts.Relay.ServePreflight)
	}
	if opts.WS != nil {
		s.raw("results", http.MethodGet, "/ws/camera/{id}", func(w http.ResponseWriter, r *http.Request) {
			opts.WS.ServeCamera(w, r, mux.Vars(r)["id"])
		})
	}
	if opts.Previews != nil {
		s.raw("preview", http.MethodGet, "/video/preview/{id}", func(w http.ResponseWriter, r *http.Request) {
			opts.Previews.ServePreview(w, r, mux.Vars(r)["id"])
		})
	}
	return s
}

func (s *Server) mountHealth(h *services.HealthImplementation) {
	s.handle("root", http.MethodGet, "/", http.StatusOK, func(ctx context.Context, _ *http.Request) (any, error) {
		return h.Root(ctx)
	})
	s.handle("health", http.MethodGet, "/health", http.StatusOK, func(ctx context.Context, _ *http.Request) (any, error) {
		return h.Health(ctx)
	})
	s.handle("healthz", http.MethodGet, "/healthz", http.StatusOK, func(ctx context.Context, _ *http.Request) (any, error) {
		return nil, h.Healthz(ctx)
	})
	s.handle("readyz", http.MethodGet, "/readyz", http.StatusOK, func(ctx context.Context, _ *http.Request) (any, error) {
		return nil, h.Readyz(ctx)
	})
}

func (s *Server) mountAuth(a *services.AuthImplementation) {
	s.handle("login", http.MethodPost, "/api/v1/auth/login", http.StatusOK, func(ctx context.Context, r *http.Request) (any, error) {
		var p services.LoginPayload
		if err := decode(r, &p); err != nil {
			return nil, err
		}
		return a.Login(ctx, &p)
	})
	s.handle("auth status", http.MethodGet, "/api/v1/auth/status", http.StatusOK, func(ctx context.Context, _ *http.Request) (any, error) {
		return a.Status(ctx)
	})
}

func (s *Server) mountCameras(c *services.CameraImplementation) {
	id := func(r *http.Request) string { return s.mux.Vars(r)["id"] }

	list := func(ctx context.Context, r *http.Request) (any, error) {
		activeOnly := false
		if raw := r.URL.Query().Get("active_only"); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				return nil, goa.InvalidFieldTypeError("active_only", raw, "boolean")
			}
			activeOnly = v
		}
		return c.List(ctx, activeOnly)
	}
	create := func(ctx context.Context, r *http.Request) (any, error) {
		var p services.CreatePayload
		if err := decode(r, &p); err != nil {
			return nil, err
		}
		return c.Create(ctx, &p)
	}
	for _, pattern := range []string{"/api/v1/cameras", "/api/v1/cameras/"} {
		s.handle("list", http.MethodGet, pattern, http.StatusOK, list)
		s.handle("create", http.MethodPost, pattern, http.StatusCreated, create)
	}

	s.handle("test connection", http.MethodPost, "/api/v1/cameras/test-connection", http.StatusOK, func(ctx context.Context, r *http.Request) (any, error) {
		var p services.TestConnectionPayload
		if err := decode(r, &p); err != nil {
			return nil, err
		}
		return c.TestConnection(ctx, &p)
	})
	s.handle("get", http.MethodGet, "/api/v1/cameras/{id}", http.StatusOK, func(ctx context.Context, r *http.Request) (any, error) {
		return c.Get(ctx, id(r))
	})
	s.handle("update", http.MethodPatch, "/api/v1/cameras/{id}", http.StatusOK, func(ctx context.Context, r *http.Request) (any, error) {
		var p services.UpdatePayload
		if err := decode(r, &p); err != nil {
			return nil, err
		}
		return c.Update(ctx, id(r), &p)
	})
	s.handle("delete", http.MethodDelete, "/api/v1/cameras/{id}", http.StatusNoContent, func(ctx context.Context, r *http.Request) (any, error) {
		return nil, c.Delete(ctx, id(r))
	})
	s.handle("calibrate", http.MethodPost, "/api/v1/cameras/{id}/calibrate", http.StatusOK, func(ctx context.Context, r *http.Request) (any, error) {
		var p services.CalibrationPayload
		if err := decode(r, &p); err != nil {
			return nil, err
		}
		return c.Calibrate(ctx, id(r), &p)
	})
	s.handle("test calibration", http.MethodPost, "/api/v1/cameras/{id}/calibration/test", http.StatusOK, func(ctx context.Context, r *http.Request) (any, error) {
		var p services.CalibrationPayload
		if err := decode(r, &p); err != nil {
			return nil, err
		}
		return c.TestCalibration(ctx, id(r), &p)
	})
	s.handle("get calibration", http.MethodGet, "/api/v1/cameras/{id}/calibration", http.StatusOK, func(ctx context.Context, r *http.Request) (any, error) {
		return c.GetCalibration(ctx, id(r))
	})
	s.handle("clear calibration", http.MethodDelete, "/api/v1/cameras/{id}/calibration", http.StatusOK, func(ctx context.Context, r *http.Request) (any, error) {
		return c.ClearCalibration(ctx, id(r))
	})
	s.handle("update features", http.MethodPatch, "/api/v1/cameras/{id}/features", http.StatusOK, func(ctx context.Context, r *http.Request) (any, error) {
		var p camera.FeaturesPatch
		if err := decode(r, &p); err != nil {
			return nil, err
		}
		return c.UpdateFeatures(ctx, id(r), &p)
	})
	s.handle("set detection classes", http.MethodPatch, "/api/v1/cameras/{id}/detection-classes", http.StatusOK, func(ctx context.Context, r *http.Request) (any, error) {
		var classes []string
		if err := decode(r, &classes); err != nil {
			return nil, err
		}
		return c.SetDetectionClasses(ctx, id(r), classes)
	})
	s.handle("models", http.MethodGet, "/api/v1/cameras/{id}/models", http.StatusOK, func(ctx context.Context, r *http.Request) (any, error) {
		return c.Models(ctx, id(r))
	})
	s.handle("frame", http.MethodGet, "/api/v1/cameras/{id}/frame", http.StatusOK, func(ctx context.Context, r *http.Request) (any, error) {
		return c.Frame(ctx, id(r))
	})
}

type endpoint func(ctx context.Context, r *http.Request) (any, error)

// handle mounts a JSON endpoint. A nil result is written as a bare status.
func (s *Server) handle(method, verb, pattern string, status int, e endpoint) {
	s.Mounts = append(s.Mounts, &MountPoint{Method: method, Verb: verb, Pattern: pattern})
	s.mux.Handle(verb, pattern, func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), goahttp.AcceptTypeKey, r.Header.Get("Accept"))
		ctx = context.WithValue(ctx, goa.MethodKey, method)

		res, err := e(ctx, r)
		if err != nil {
			if err := s.encErr(ctx, w, err); err != nil {
				s.encodingError(ctx, err)
			}
			return
		}
		if res == nil {
			w.WriteHeader(status)
			return
		}
		enc := goahttp.ResponseEncoder(ctx, w)
		w.WriteHeader(status)
		if err := enc.Encode(res); err != nil {
			s.encodingError(ctx, err)
		}
	})
}

func (s *Server) raw(method, verb, pattern string, h http.HandlerFunc) {
	s.Mounts = append(s.Mounts, &MountPoint{Method: method, Verb: verb, Pattern: pattern})
	s.mux.Handle(verb, pattern, h)
}

func (s *Server) formatError(ctx context.Context, err error) goahttp.Statuser {
	resp := goahttp.NewErrorResponse(ctx, err).(*goahttp.ErrorResponse)
	if resp.Fault {
		s.logger.Printf("[%s] ERROR: %s", requestID(ctx), err.Error())
	}
	return &errorBody{ErrorResponse: resp, Detail: resp.Message}
}

func (s *Server) encodingError(ctx context.Context, err error) {
	s.logger.Printf("[%s] encoding: %s", requestID(ctx), err.Error())
}

func decode(r *http.Request, v any) error {
	if err := goahttp.RequestDecoder(r).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return goa.MissingPayloadError()
		}
		return goa.DecodePayloadError(err.Error())
	}
	return nil
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(middleware.RequestIDKey).(string)
	if id == "" {
		return "-"
	}
	return id
}
