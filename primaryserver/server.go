package primaryserver

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jacokyle01/xiangqi-analyzer/analyzer"
	"github.com/jacokyle01/xiangqi-analyzer/models"
	"github.com/jacokyle01/xiangqi-analyzer/queue"
)

// maxUpload bounds uploaded frames.
const maxUpload = 32 << 20

// Worker is the capture side the server feeds frames into.
type Worker interface {
	Submit(img image.Image) models.Snapshot
	AnalyzeImage(ctx context.Context, img image.Image) (models.Analysis, error)
	Frames() *queue.Latest[models.Snapshot]
}

// Server publishes analyses over HTTP and accepts frames
type Server struct {
	worker Worker
	status func() analyzer.Status
	log    *slog.Logger

	mu          sync.RWMutex
	latest      *models.Analysis
	results     int64
	subscribers map[chan models.Analysis]struct{}
}

// NewServer creates a result server. status reports the analyzer's state
// for /status.
func NewServer(w Worker, status func() analyzer.Status, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		worker:      w,
		status:      status,
		log:         log.With("component", "server"),
		subscribers: make(map[chan models.Analysis]struct{}),
	}
}

// Handler routes the server's endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/frame", s.handleSubmitFrame)
	mux.HandleFunc("/analyze", s.handleAnalyze)
	mux.HandleFunc("/result", s.handleGetResult)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/ws", s.handleStream)
	return mux
}

// StartServer serves until ctx is done, then shuts down gracefully.
func (s *Server) StartServer(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("starting server", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
