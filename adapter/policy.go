package adapter

import (
	"fmt"
	"strings"
)

// Reliability 投递可靠性
type Reliability int

// Reliability values
const (
	BestEffort Reliability = iota
	Reliable
)

// Durability 是否为迟到的订阅者保留历史消息
type Durability int

// Durability values
const (
	Volatile Durability = iota
	Persistent
)

// History 队列的保留策略
type History int

// History values
const (
	KeepLast History = iota
	KeepAll
)

// Policy 描述一个订阅或发布端点的 Delivery Policy
type Policy struct {
	Reliability Reliability `toml:"reliability"`
	Durability  Durability  `toml:"durability"`
	History     History     `toml:"history"`
	Depth       int         `toml:"depth"`
}

// DefaultPolicy best_effort / volatile / keep_last(10)
func DefaultPolicy() Policy {
	return Policy{Reliability: BestEffort, Durability: Volatile, History: KeepLast, Depth: 10}
}

// WithDepth 返回替换了队列深度的 Policy
func (p Policy) WithDepth(depth int) Policy {
	p.Depth = depth
	return p
}

// Lossy 队列满时是否允许丢弃最旧的消息
func (p Policy) Lossy() bool {
	return p.History == KeepLast && p.Reliability == BestEffort
}

// Validate 检查 Policy 是否合法
func (p Policy) Validate() error {
	if p.Reliability != BestEffort && p.Reliability != Reliable {
		return fmt.Errorf("%w: reliability %d", ErrInvalidPolicy, p.Reliability)
	}
	if p.Durability != Volatile && p.Durability != Persistent {
		return fmt.Errorf("%w: durability %d", ErrInvalidPolicy, p.Durability)
	}
	if p.History != KeepLast && p.History != KeepAll {
		return fmt.Errorf("%w: history %d", ErrInvalidPolicy, p.History)
	}
	if p.Depth <= 0 {
		return fmt.Errorf("%w: depth must be positive, got %d", ErrInvalidPolicy, p.Depth)
	}
	return nil
}

func (p Policy) String() string {
	h := p.History.String()
	if p.History == KeepLast {
		h = fmt.Sprintf("%s(%d)", h, p.Depth)
	}
	return fmt.Sprintf("%s/%s/%s", p.Reliability, p.Durability, h)
}

// Compatible 判断发布端 pub 能否服务订阅端 sub。
// 订阅端请求的可靠性和持久性不能高于发布端提供的。
func Compatible(pub, sub Policy) bool {
	return pub.Reliability >= sub.Reliability && pub.Durability >= sub.Durability
}

func (r Reliability) String() string {
	switch r {
	case BestEffort:
		return "best_effort"
	case Reliable:
		return "reliable"
	}
	return fmt.Sprintf("reliability(%d)", int(r))
}

// MarshalText implements encoding.TextMarshaler
func (r Reliability) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (r *Reliability) UnmarshalText(text []byte) error {
	switch normalize(text) {
	case "best_effort":
		*r = BestEffort
	case "reliable":
		*r = Reliable
	default:
		return fmt.Errorf("%w: unknown reliability %q", ErrInvalidPolicy, text)
	}
	return nil
}

func (d Durability) String() string {
	switch d {
	case Volatile:
		return "volatile"
	case Persistent:
		return "persistent"
	}
	return fmt.Sprintf("durability(%d)", int(d))
}

// MarshalText implements encoding.TextMarshaler
func (d Durability) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Durability) UnmarshalText(text []byte) error {
	switch normalize(text) {
	case "volatile":
		*d = Volatile
	case "persistent", "transient_local":
		*d = Persistent
	default:
		return fmt.Errorf("%w: unknown durability %q", ErrInvalidPolicy, text)
	}
	return nil
}

func (h History) String() string {
	switch h {
	case KeepLast:
		return "keep_last"
	case KeepAll:
		return "keep_all"
	}
	return fmt.Sprintf("history(%d)", int(h))
}

// MarshalText implements encoding.TextMarshaler
func (h History) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (h *History) UnmarshalText(text []byte) error {
	switch normalize(text) {
	case "keep_last":
		*h = KeepLast
	case "keep_all":
		*h = KeepAll
	default:
		return fmt.Errorf("%w: unknown history %q", ErrInvalidPolicy, text)
	}
	return nil
}

func normalize(text []byte) string {
	s := strings.ToLower(strings.TrimSpace(string(text)))
	return strings.ReplaceAll(s, "-", "_")
}
