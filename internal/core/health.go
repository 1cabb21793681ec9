package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// healthCheckTimeout bounds the whole probe run.
const healthCheckTimeout = 2 * time.Second

// HealthProbe checks one dependency the bot needs to do its work, such as the
// job store or the workflow definition.
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function into a HealthProbe.
type ProbeFunc struct {
	ProbeName string
	Fn        func(ctx context.Context) error
}

// Name implements HealthProbe.
func (p ProbeFunc) Name() string { return p.ProbeName }

// Check implements HealthProbe.
func (p ProbeFunc) Check(ctx context.Context) error { return p.Fn(ctx) }

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

var errProbeTimedOut = errors.New("health check timed out")

// HandleHealth runs every probe concurrently under a 2 second deadline. It
// answers 200 when all report healthy and 503 otherwise. A probe that has not
// returned by the deadline is reported as timed out.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: "healthy"}
	if len(s.HealthProbes) > 0 {
		resp.Components = make(map[string]componentStatus, len(s.HealthProbes))
	}

	// Buffered so late probes can finish after the handler returns.
	results := make([]chan error, len(s.HealthProbes))
	for i, probe := range s.HealthProbes {
		probe := probe
		results[i] = make(chan error, 1)
		go func(out chan<- error) {
			out <- runProbe(ctx, probe)
		}(results[i])
	}

	for i, probe := range s.HealthProbes {
		var err error
		select {
		case err = <-results[i]:
		case <-ctx.Done():
			select {
			case err = <-results[i]:
			default:
				err = errProbeTimedOut
			}
		}

		status := componentStatus{Status: "healthy"}
		if err != nil {
			resp.Status = "unhealthy"
			status = componentStatus{Status: "unhealthy", Message: err.Error()}
		}
		resp.Components[probe.Name()] = status
	}

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	JSON(w, r, code, resp)
}

// runProbe calls p.Check, turning a panic into an error.
func runProbe(ctx context.Context, p HealthProbe) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("probe panicked: %v", rec)
		}
	}()
	return p.Check(ctx)
}
