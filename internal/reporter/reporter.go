// Package reporter formats per-case results for local emission and, when a
// monitor address is configured, broadcasts them to WebSocket clients for
// live external dashboards (spec.md §4.8). The monitor is a pure observer:
// it never gates pass/fail and a slow or absent client changes nothing.
package reporter

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/uartharness/internal/role"
)

// LiveEvent is the JSON shape pushed to monitor clients for each case.
type LiveEvent struct {
	CaseName   string  `json:"case_name"`
	PortConfig string  `json:"port_config"`
	Direction  string  `json:"direction"`
	Result     string  `json:"result"`
	RxFrames   uint64  `json:"rx_frames"`
	RxBytes    uint64  `json:"rx_bytes"`
	BadCrc     uint64  `json:"bad_crc"`
	SeqGaps    uint64  `json:"seq_gaps"`
	RateBps    float64 `json:"rate_bps"`
	Reason     string  `json:"reason,omitempty"`
	StampMs    int64   `json:"stamp_ms"`
}

// Reporter implements role.ResultSink: it logs every case locally and, if a
// Monitor is attached, mirrors it to connected WebSocket clients.
type Reporter struct {
	tag     string
	monitor *Monitor
}

// New creates a Reporter. monitor may be nil to disable live broadcast.
func New(tag string, monitor *Monitor) *Reporter {
	return &Reporter{tag: tag, monitor: monitor}
}

// CaseResult implements role.ResultSink.
func (r *Reporter) CaseResult(o role.CaseOutcome) {
	status := "PASS"
	if !o.Result.Pass {
		status = "FAIL"
	}
	log.Printf("[%s] %-12s %-24s dir=%-4s -> %s rx_frames=%d bad_crc=%d seq_gaps=%d rate_bps=%.1f%s",
		r.tag, o.Case.Name, o.Case.PortConfig, o.Case.Direction, status,
		o.Result.RxFrames, o.Result.BadCrc, o.Result.SeqGaps, o.Result.RateBps, reasonSuffix(o.Result.Reason))

	if r.monitor == nil {
		return
	}
	r.monitor.Broadcast(LiveEvent{
		CaseName:   o.Case.Name,
		PortConfig: o.Case.PortConfig.String(),
		Direction:  o.Case.Direction.String(),
		Result:     status,
		RxFrames:   o.Result.RxFrames,
		RxBytes:    o.Result.RxBytes,
		BadCrc:     o.Result.BadCrc,
		SeqGaps:    o.Result.SeqGaps,
		RateBps:    o.Result.RateBps,
		Reason:     o.Result.Reason,
		StampMs:    time.Now().UnixMilli(),
	})
}

func reasonSuffix(reason string) string {
	if reason == "" {
		return ""
	}
	return " reason=" + reason
}

// monitorClient is one connected WebSocket dashboard.
type monitorClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Monitor is the optional live WebSocket broadcaster run by the
// Orchestrator. Modeled directly on the teacher's client-registry/writer-
// goroutine pattern, generalized from dashboard telemetry to LiveEvents.
type Monitor struct {
	addr string

	clientsMu sync.RWMutex
	clients   map[*monitorClient]struct{}

	upgrader websocket.Upgrader
}

// NewMonitor creates a Monitor that will listen on addr once Run is called.
func NewMonitor(addr string) *Monitor {
	return &Monitor{
		addr:    addr,
		clients: make(map[*monitorClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run starts the monitor's HTTP/WebSocket server and blocks until ctx is
// canceled. Callers that don't want a monitor simply never call Run.
func (m *Monitor) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", m.handleWS)

	srv := &http.Server{Addr: m.addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[monitor] listening on %s", m.addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (m *Monitor) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[monitor] upgrade error: %v", err)
		return
	}

	client := &monitorClient{conn: conn, send: make(chan []byte, 64)}
	m.clientsMu.Lock()
	m.clients[client] = struct{}{}
	m.clientsMu.Unlock()
	log.Printf("[monitor] client connected (%d total)", len(m.clients))

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer func() {
			m.clientsMu.Lock()
			delete(m.clients, client)
			m.clientsMu.Unlock()
			close(client.send)
			log.Printf("[monitor] client disconnected (%d total)", len(m.clients))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// Broadcast pushes an event to every connected client, dropping it for any
// client whose send buffer is full rather than blocking the test run.
func (m *Monitor) Broadcast(ev LiveEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	for client := range m.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}
