package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/rendis/galaxy/internal/diagram"
	"github.com/rendis/galaxy/internal/engine"
	"github.com/rendis/galaxy/internal/store"
	"github.com/rendis/galaxy/pkg/schema"
)

// handleCallback completes the waitpoint named in the path with the request body.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxCallbackBody))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("callback body exceeds %d bytes", maxErr.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "callback body must be JSON")
		return
	}
	if err := s.svc.ResumeNode(r.Context(), token, body); err != nil {
		writeGalaxyError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "token": token})
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var g schema.WorkflowGraph
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	order, levels, err := s.svc.Plan(&g)
	if err != nil {
		writeGalaxyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order, "levels": levels})
}

// handleStartRun starts a run in the background, or runs it to completion
// when wait=true.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		res, err := s.svc.RunSync(r.Context(), workflowID, engine.TriggerManual)
		if res == nil {
			writeGalaxyError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	run, err := s.svc.StartRun(r.Context(), workflowID, engine.TriggerManual)
	if err != nil {
		writeGalaxyError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleNodeTypes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"node_types": s.svc.NodeTypes()})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		WorkflowID: r.URL.Query().Get("workflow_id"),
		Limit:      queryInt(r, "limit", store.DefaultListLimit),
		Offset:     queryInt(r, "offset", 0),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		rs := schema.RunStatus(status)
		filter.Status = &rs
	}

	runs, err := s.svc.ListRuns(r.Context(), filter)
	if err != nil {
		writeGalaxyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	details, err := s.svc.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeGalaxyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.CancelRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeGalaxyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	events, err := s.svc.RunEvents(r.Context(), r.PathValue("id"), since)
	if err != nil {
		writeGalaxyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleRunDiagram draws a run's workflow with node status. format is
// mermaid (default), ascii, image (PNG) or svg.
func (s *Server) handleRunDiagram(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	details, err := s.svc.GetRun(ctx, r.PathValue("id"))
	if err != nil {
		writeGalaxyError(w, err)
		return
	}
	// Runs started before graphs were recorded fall back to the saved document.
	g := details.Run.Graph
	if g == nil {
		wf, err := s.svc.GetWorkflow(ctx, details.Run.WorkflowID)
		if err != nil {
			writeGalaxyError(w, err)
			return
		}
		g = &wf.Graph
	}
	model, err := diagram.Build(details.Run.ID, g, details.Nodes)
	if err != nil {
		writeGalaxyError(w, err)
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "mermaid":
		writeText(w, diagram.RenderMermaid(model))
	case "ascii":
		writeText(w, diagram.RenderASCII(model))
	case "image":
		png, err := diagram.RenderImage(ctx, model)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("render image: %v", err))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	case "svg":
		svg, err := diagram.RenderSVG(ctx, model)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("render svg: %v", err))
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		_, _ = w.Write(svg)
	default:
		writeError(w, http.StatusBadRequest, "format must be mermaid, ascii, image or svg")
	}
}
