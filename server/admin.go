package server

import (
	"encoding/json"
	"net/http"
)

// Stats 全局统计
type Stats struct {
	TotalRooms   int `json:"total_rooms"`
	TotalPlayers int `json:"total_players"`
	ActiveGames  int `json:"active_games"` // 两名及以上玩家的房间
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func getOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

// HandleRooms GET /rooms 当前房间列表
func HandleRooms(hub *Hub) http.HandlerFunc {
	return getOnly(func(w http.ResponseWriter, r *http.Request) {
		var rooms []RoomInfo
		if err := hub.Query(r.Context(), func() { rooms = hub.rooms.ListRooms() }); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, rooms)
	})
}

// HandleStats GET /stats
func HandleStats(hub *Hub) http.HandlerFunc {
	return getOnly(func(w http.ResponseWriter, r *http.Request) {
		var st Stats
		err := hub.Query(r.Context(), func() {
			for _, room := range hub.rooms.ListRooms() {
				st.TotalRooms++
				st.TotalPlayers += room.PlayerCount
				if room.PlayerCount > 1 {
					st.ActiveGames++
				}
			}
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, st)
	})
}

// HandleConfig GET /config 运行参数（启动后不变，无需经过 hub）
func HandleConfig(hub *Hub) http.HandlerFunc {
	return getOnly(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, hub.Config().Runtime())
	})
}

// HandleMetrics GET /metrics 输出运行指标
func HandleMetrics(hub *Hub) http.HandlerFunc {
	return getOnly(func(w http.ResponseWriter, r *http.Request) {
		var connections, rooms int
		if err := hub.Query(r.Context(), func() {
			connections = len(hub.sessions)
			rooms = len(hub.rooms.rooms)
		}); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"connections": connections,
			"rooms":       rooms,
			"metrics":     hub.Metrics().Snapshot(),
		})
	})
}

// HandleHealth GET /health
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "tannenbaumbiel-backend"})
}

// Routes 注册全部 HTTP 路由（WebSocket + 报表）
func Routes(mux *http.ServeMux, ws http.HandlerFunc, hub *Hub) {
	mux.HandleFunc("/game", ws)
	mux.HandleFunc("/ws", ws)
	mux.HandleFunc("/rooms", HandleRooms(hub))
	mux.HandleFunc("/stats", HandleStats(hub))
	mux.HandleFunc("/config", HandleConfig(hub))
	mux.HandleFunc("/metrics", HandleMetrics(hub))
	mux.HandleFunc("/health", HandleHealth)
}
