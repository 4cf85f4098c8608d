package adapter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Stamp 消息头中的时间戳，与 builtin_interfaces/Time 相同的表示
type Stamp struct {
	Sec     int32  `json:"sec"`
	Nanosec uint32 `json:"nanosec"`
}

// StampFromTime 将 time.Time 转换为 Stamp
func StampFromTime(t time.Time) Stamp {
	return Stamp{Sec: int32(t.Unix()), Nanosec: uint32(t.Nanosecond())}
}

// Time 转换为 time.Time
func (s Stamp) Time() time.Time {
	return time.Unix(int64(s.Sec), int64(s.Nanosec))
}

// Compare returns -1, 0 or +1
func (s Stamp) Compare(o Stamp) int {
	switch {
	case s.Sec < o.Sec:
		return -1
	case s.Sec > o.Sec:
		return 1
	case s.Nanosec < o.Nanosec:
		return -1
	case s.Nanosec > o.Nanosec:
		return 1
	}
	return 0
}

// Before reports whether s is earlier than o.
func (s Stamp) Before(o Stamp) bool {
	return s.Compare(o) < 0
}

// IsZero 是否为零值
func (s Stamp) IsZero() bool {
	return s.Sec == 0 && s.Nanosec == 0
}

func (s Stamp) String() string {
	return fmt.Sprintf("%d.%09d", s.Sec, s.Nanosec)
}

// Header 消息头
type Header struct {
	Stamp   Stamp  `json:"stamp"`
	FrameID string `json:"frame_id"`
}

// Message 传感器消息。Payload 对 porter 是不透明的。
type Message struct {
	Header  Header `json:"header"`
	Payload []byte `json:"payload"`
}

// Clone 深拷贝
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Payload != nil {
		c.Payload = bytes.Clone(m.Payload)
	}
	return &c
}

// Marshal 序列化消息
func Marshal(m *Message) ([]byte, error) {
	if m == nil {
		return nil, ErrNilMsg
	}
	return json.Marshal(m)
}

// Unmarshal 反序列化消息
func Unmarshal(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, ErrNilMsg
	}
	m := new(Message)
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return m, nil
}
