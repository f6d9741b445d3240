package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"opengrid/internal/node"
)

// New builds the daemon logger: console encoding, info and debug to stdout,
// warnings and errors to stderr. provider is attached to every line when set.
func New(level, provider string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encoder := zapcore.NewConsoleEncoder(encCfg)

	lowLv := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= lvl && l < zapcore.WarnLevel })
	highLv := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= lvl && l >= zapcore.WarnLevel })

	tee := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), lowLv),
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), highLv),
	)
	lg := zap.New(tee)
	if provider != "" {
		lg = lg.With(zap.String("provider", provider))
	}
	return lg, nil
}

// Node renders a node ID as a short hex field.
func Node(key string, id node.NodeID) zap.Field {
	return zap.String(key, id.Short())
}

// Limiter suppresses repeats of the same log key inside a window.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
	sweep    time.Time
	now      func() time.Time
}

func NewLimiter(interval time.Duration) *Limiter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Limiter{
		interval: interval,
		last:     make(map[string]time.Time),
		now:      time.Now,
	}
}

// Allow reports whether a line for key may be written now.
func (l *Limiter) Allow(key string) bool {
	if l == nil || key == "" {
		return true
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if last, ok := l.last[key]; ok && now.Sub(last) < l.interval {
		return false
	}
	l.last[key] = now
	if now.Sub(l.sweep) > 2*l.interval {
		for k, ts := range l.last {
			if now.Sub(ts) > 4*l.interval {
				delete(l.last, k)
			}
		}
		l.sweep = now
	}
	return true
}
