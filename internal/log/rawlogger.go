package log

import (
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"
)

// RawLogger records raw USB-IP traffic.
type RawLogger interface {
	// Log records one chunk. in=true means client->server.
	Log(in bool, data []byte)
}

type rawLogger struct {
	mu sync.Mutex
	w  io.Writer
}

// NewRaw creates a RawLogger writing to w. A nil w yields a no-op logger.
func NewRaw(w io.Writer) RawLogger {
	return &rawLogger{w: w}
}

// Log emits one line per chunk: timestamp, direction, length and a
// space-separated hex dump.
func (r *rawLogger) Log(in bool, data []byte) {
	if len(data) == 0 || r.w == nil {
		return
	}

	dir := "S->C"
	if in {
		dir = "C->S"
	}
	dump := make([]byte, 0, len(data)*3)
	for i, b := range data {
		if i > 0 {
			dump = append(dump, ' ')
		}
		dump = append(dump, hex.EncodeToString([]byte{b})...)
	}
	line := fmt.Sprintf("%s %s chunk: %d bytes, hex: %s\n",
		time.Now().Format("2006/01/02 15:04:05.000"), dir, len(data), dump)

	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = io.WriteString(r.w, line)
}
