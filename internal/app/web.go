package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relabs-tech/mbot_sim/internal/messages"
	"github.com/relabs-tech/mbot_sim/internal/render"
)

const wsWriteTimeout = 2 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// viewer is one connected websocket client.
type viewer struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes
}

// WebServer exposes the simulator state over HTTP and streams frames to
// websocket viewers.
type WebServer struct {
	sim  *Simulator
	root string

	mu      sync.RWMutex
	viewers map[string]*viewer
}

// NewWebServer serves sim. A non-empty root also serves static files.
func NewWebServer(sim *Simulator, root string) *WebServer {
	return &WebServer{sim: sim, root: root, viewers: make(map[string]*viewer)}
}

// Handler returns the HTTP routes.
func (ws *WebServer) Handler() http.Handler {
	mux := http.NewServeMux()

	// JSON API endpoint: robot pose now
	mux.HandleFunc("/api/pose", func(w http.ResponseWriter, r *http.Request) {
		st, err := ws.sim.Pose()
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, messages.NewOdometry(st.Utime, st.Pose))
	})

	// JSON API endpoint: latest completed scan
	mux.HandleFunc("/api/scan", func(w http.ResponseWriter, r *http.Request) {
		scan := ws.sim.LatestScan()
		if scan == nil {
			http.Error(w, "no data yet", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, messages.NewLidar(scan))
	})

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, ws.sim.Status())
	})

	mux.HandleFunc("/api/frame.png", func(w http.ResponseWriter, r *http.Request) {
		frame := ws.sim.Frame()
		if frame == nil {
			http.Error(w, "no data yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		if err := ws.sim.Renderer().EncodePNG(w, frame); err != nil {
			log.Printf("web: %v", err)
		}
	})

	mux.HandleFunc("/ws", ws.handleViewer)

	if ws.root != "" {
		mux.Handle("/", http.FileServer(http.Dir(ws.root)))
	}
	return mux
}

// ListenAndServe serves until ctx is cancelled.
func (ws *WebServer) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: ws.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("web: server listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (ws *WebServer) handleViewer(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("web: websocket upgrade error: %v", err)
		return
	}
	v := &viewer{id: uuid.NewString(), conn: conn}

	ws.mu.Lock()
	ws.viewers[v.id] = v
	ws.mu.Unlock()
	log.Printf("web: viewer %s connected", v.id)

	if frame := ws.sim.Frame(); frame != nil {
		ws.send(v, frame)
	}

	// Viewers only listen; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("web: viewer %s: %v", v.id, err)
			}
			break
		}
	}
	ws.drop(v)
}

// Broadcast pushes frame to every connected viewer.
func (ws *WebServer) Broadcast(frame *render.Frame) {
	ws.mu.RLock()
	viewers := make([]*viewer, 0, len(ws.viewers))
	for _, v := range ws.viewers {
		viewers = append(viewers, v)
	}
	ws.mu.RUnlock()

	for _, v := range viewers {
		ws.send(v, frame)
	}
}

// Viewers returns the number of connected viewers.
func (ws *WebServer) Viewers() int {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return len(ws.viewers)
}

func (ws *WebServer) send(v *viewer, frame *render.Frame) {
	v.mu.Lock()
	v.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	err := v.conn.WriteJSON(frame)
	v.mu.Unlock()
	if err != nil {
		log.Printf("web: viewer %s write error: %v", v.id, err)
		ws.drop(v)
	}
}

func (ws *WebServer) drop(v *viewer) {
	ws.mu.Lock()
	_, ok := ws.viewers[v.id]
	delete(ws.viewers, v.id)
	ws.mu.Unlock()
	if ok {
		v.conn.Close()
		log.Printf("web: viewer %s disconnected", v.id)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("web: json encode error: %v", err)
	}
}
