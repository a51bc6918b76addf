package ws

import (
	"encoding/json"
)

// 客戶端送來的事件
const (
	InJoin       = "join"
	InSetReady   = "setReady"
	InMovePaddle = "movePaddle"
	InLeave      = "leave"
	InPing       = "ping"
)

// OutPong ping 的回應
const OutPong = "pong"

// Envelope 通道上的訊息格式：{"event": "...", "data": {...}}
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type joinData struct {
	SessionID string `json:"session_id"`
}

type readyData struct {
	SessionID string `json:"session_id"`
	Ready     bool   `json:"ready"`
}

type moveData struct {
	SessionID string `json:"session_id"`
	Direction int    `json:"direction"`
}

// encode 序列化送出的訊息
func encode(event string, data any) ([]byte, error) {
	return json.Marshal(outbound{Event: event, Data: data})
}
