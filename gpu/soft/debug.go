package soft

import (
	"fmt"
	"sync"

	"github.com/vkngwrapper/frame-harness/gpu"
)

// debugLayer collects validation messages and forwards them to the
// debug output channel.
type debugLayer struct {
	mu   sync.Mutex
	msgs []string
}

func (l *debugLayer) errorf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.mu.Lock()
	l.msgs = append(l.msgs, msg)
	l.mu.Unlock()
	gpu.Logger().Warn("soft debug layer", "message", msg)
}

func (l *debugLayer) messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.msgs...)
}

func (l *debugLayer) clear() {
	l.mu.Lock()
	l.msgs = nil
	l.mu.Unlock()
}
