package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"gonum.org/v1/gonum/num/quat"

	"github.com/banshee-data/pose.report/internal/db"
	"github.com/banshee-data/pose.report/internal/fusion"
	"github.com/banshee-data/pose.report/internal/httputil"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Estimator is the read side of the fusion pipeline.
type Estimator interface {
	Estimate() (fusion.Pose, error)
	Mode() fusion.Mode
	Sources() []fusion.SourceConfig
	HandleInitialPose(fusion.Pose)
}

// PoseLog is the query side of the pose database. Nil-able so the
// server can run without persistence.
type PoseLog interface {
	Poses(limit int) ([]db.PoseRecord, error)
}

type Server struct {
	estimator Estimator
	log       PoseLog
}

func NewServer(estimator Estimator, poseLog PoseLog) *Server {
	return &Server{
		estimator: estimator,
		log:       poseLog,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/pose", s.showPose)
	mux.HandleFunc("/api/poses", s.listPoses)
	mux.HandleFunc("/api/sources", s.showSources)
	mux.HandleFunc("/api/initialpose", s.setInitialPose)
	return mux
}

// PoseAPI is the wire representation of a pose estimate. The
// orientation is an [x y z w] quaternion to match the sample packets.
type PoseAPI struct {
	StampNanos  int64      `json:"stamp_ns"`
	Position    [3]float64 `json:"position"`
	Orientation [4]float64 `json:"orientation"`
	Mode        string     `json:"mode"`
}

func poseToAPI(p fusion.Pose, mode fusion.Mode) PoseAPI {
	return PoseAPI{
		StampNanos: p.Stamp.UnixNano(),
		Position:   p.Position,
		Orientation: [4]float64{
			p.Orientation.Imag, p.Orientation.Jmag, p.Orientation.Kmag, p.Orientation.Real,
		},
		Mode: string(mode),
	}
}

func (s *Server) showPose(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	pose, err := s.estimator.Estimate()
	if err != nil {
		if errors.Is(err, fusion.ErrNotInitialized) {
			httputil.WriteJSONError(w, http.StatusServiceUnavailable, "no estimate available")
			return
		}
		httputil.WriteJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve estimate: %v", err))
		return
	}

	if err := json.NewEncoder(w).Encode(poseToAPI(pose, s.estimator.Mode())); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, "Failed to write pose")
		return
	}
}

func (s *Server) listPoses(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.log == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "pose logging is disabled")
		return
	}

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			httputil.WriteJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	records, err := s.log.Poses(limit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve poses: %v", err))
		return
	}

	if err := json.NewEncoder(w).Encode(records); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, "Failed to write poses")
		return
	}
}

// SourceAPI describes one configured observation source.
type SourceAPI struct {
	Name     string     `json:"name"`
	Variance [3]float64 `json:"variance"`
	Relative bool       `json:"relative"`
}

func (s *Server) showSources(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	sources := s.estimator.Sources()
	apiSources := make([]SourceAPI, len(sources))
	for i, src := range sources {
		apiSources[i] = SourceAPI{
			Name:     src.Name,
			Variance: src.Variance,
			Relative: src.Relative,
		}
	}

	if err := json.NewEncoder(w).Encode(apiSources); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, "Failed to write sources")
		return
	}
}

// InitialPoseRequest anchors or re-anchors the estimator.
type InitialPoseRequest struct {
	StampNanos  int64       `json:"stamp_ns"`
	Position    [3]float64  `json:"position"`
	Orientation *[4]float64 `json:"orientation,omitempty"`
}

func (s *Server) setInitialPose(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req InitialPoseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	pose := fusion.Pose{
		Stamp:       time.Unix(0, req.StampNanos).UTC(),
		Position:    req.Position,
		Orientation: fusion.IdentityQuaternion(),
	}
	if req.StampNanos == 0 {
		pose.Stamp = time.Now().UTC()
	}
	if req.Orientation != nil {
		q := *req.Orientation
		pose.Orientation = fusion.NormalizeQuaternion(quat.Number{
			Real: q[3], Imag: q[0], Jmag: q[1], Kmag: q[2],
		})
	}

	s.estimator.HandleInitialPose(pose)

	if err := json.NewEncoder(w).Encode(poseToAPI(pose, s.estimator.Mode())); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, "Failed to write pose")
		return
	}
}
