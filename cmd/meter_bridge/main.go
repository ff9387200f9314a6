// Meter bridge owns the device link and serves live telemetry, the
// retrieved history log and configuration commands to presentation
// clients over HTTP and websocket.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/hydroware/water_meter_link/pkg/config"
	"github.com/hydroware/water_meter_link/pkg/feed"
	"github.com/hydroware/water_meter_link/pkg/flowlog"
	"github.com/hydroware/water_meter_link/pkg/portlink"
	"github.com/hydroware/water_meter_link/pkg/protocol"
	"github.com/hydroware/water_meter_link/pkg/session"
)

var (
	meterSession *session.Session
	store        *flowlog.Store
	bridgeConfig *config.MeterBridgeConfig
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

// ws clients for broadcasting session events, each with its own write
// lock: events reach BroadcastEvent from the session read goroutine and
// from HTTP handler goroutines at once, and the websocket conn allows
// only a single writer at a time.
var (
	wsClients                   = make(map[*websocket.Conn]*sync.Mutex)
	wsClientsMutex sync.RWMutex = sync.RWMutex{}
)

func main() {
	// Load config
	if err := config.LoadMeterBridgeConfig(); err != nil {
		log.Fatalf("Failed to load meter bridge config: %v", err)
	}
	cfg := config.ActiveMeterBridgeConfig
	bridgeConfig = cfg

	store = flowlog.NewStore()
	link := portlink.NewLink(cfg.Baudrate)
	meterSession = session.New(link, store, session.Events{
		TelemetryUpdated: func(t protocol.TelemetrySnapshot) {
			BroadcastEvent(&feed.Event{Type: feed.EventTelemetry, Telemetry: &t})
		},
		LogAppended: func(e protocol.LogEntry) {
			BroadcastEvent(&feed.Event{Type: feed.EventLogEntry, Entry: &e})
		},
		StateChanged: func(s session.State) {
			BroadcastEvent(&feed.Event{Type: feed.EventStatus, Status: s.String()})
		},
		Notice: func(n string) {
			BroadcastEvent(&feed.Event{Type: feed.EventNotice, Notice: n})
		},
	})

	if cfg.AutoConnect {
		go func() {
			if err := meterSession.Connect(cfg.SerialDevice); err != nil {
				log.Warnf("Auto-connect failed: %v", err)
				log.Warn("Bridge will run; connect via POST /connect")
			}
		}()
	}

	// Setup HTTP handlers
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		response := map[string]string{
			"message": "Water Meter Link Bridge",
			"status":  "running",
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	})

	http.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"state":  meterSession.State().String(),
			"target": meterSession.Target(),
		})
	})

	http.HandleFunc("/latest", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		snapshot, ok := store.Snapshot()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{
				"error": "No telemetry available yet",
			})
			return
		}
		json.NewEncoder(w).Encode(snapshot)
	})

	http.HandleFunc("/log", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(store.Entries())
	})

	http.HandleFunc("/connect", handleConnect)

	http.HandleFunc("/disconnect", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		meterSession.Disconnect()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"state": meterSession.State().String(),
		})
	})

	http.HandleFunc("/command", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			Name     string `json:"name"`
			SSID     string `json:"ssid"`
			Password string `json:"password"`
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid request body"})
			return
		}

		command, err := protocol.CommandByName(body.Name, body.SSID, body.Password)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}

		if err := meterSession.Send(command); err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, session.ErrNotConnected) {
				status = http.StatusConflict
			} else if errors.Is(err, protocol.ErrEmptySSID) {
				status = http.StatusBadRequest
			}
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"sent": command.Name()})
	})

	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnf("WebSocket upgrade error: %v", err)
			return
		}

		AddWebSocketClient(conn)

		// Send current state and telemetry immediately so new clients
		// do not wait for the next event. Goes through the write lock;
		// a broadcast may already be running.
		state := meterSession.State().String()
		writeToClient(conn,
			(&feed.Event{Type: feed.EventStatus, Status: state}).ToJsonBytes())
		if snapshot, ok := store.Snapshot(); ok {
			writeToClient(conn,
				(&feed.Event{Type: feed.EventTelemetry, Telemetry: &snapshot}).ToJsonBytes())
		}

		// Keep connection alive
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				RemoveWebSocketClient(conn)
				break
			}
		}
	})

	listener := fmt.Sprintf("%s:%d", cfg.ListenAddress, cfg.ListenPort)

	log.Infof("Starting Water Meter Link Bridge on %s", listener)
	log.Fatal(http.ListenAndServe(listener, nil))
}

func handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Target string `json:"target"`
	}
	w.Header().Set("Content-Type", "application/json")
	// An empty body means the configured device; anything else has to
	// decode.
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid request body"})
		return
	}
	if body.Target == "" {
		body.Target = bridgeConfig.SerialDevice
	}

	if err := meterSession.Connect(body.Target); err != nil {
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{
		"state":  meterSession.State().String(),
		"target": body.Target,
	})
}

func BroadcastEvent(event *feed.Event) {
	data := event.ToJsonBytes()
	if data == nil {
		return
	}

	wsClientsMutex.RLock()
	clients := make([]*websocket.Conn, 0, len(wsClients))
	for client := range wsClients {
		clients = append(clients, client)
	}
	wsClientsMutex.RUnlock()

	for _, client := range clients {
		if err := writeToClient(client, data); err != nil {
			RemoveWebSocketClient(client)
		}
	}
}

// writeToClient serializes writes to one client connection.
func writeToClient(conn *websocket.Conn, data []byte) error {
	wsClientsMutex.RLock()
	writeMu := wsClients[conn]
	wsClientsMutex.RUnlock()
	if writeMu == nil {
		return errors.New("client no longer registered")
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func AddWebSocketClient(conn *websocket.Conn) {
	wsClientsMutex.Lock()
	wsClients[conn] = &sync.Mutex{}
	wsClientsMutex.Unlock()
}

func RemoveWebSocketClient(conn *websocket.Conn) {
	wsClientsMutex.Lock()
	delete(wsClients, conn)
	wsClientsMutex.Unlock()
	conn.Close()
}
