package jobs

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ConsoleCap is the number of chunks a job console keeps.
const ConsoleCap = 100

// LogBuffer keeps the most recent writes as separate chunks. It is safe for
// concurrent use.
type LogBuffer struct {
	mu     sync.Mutex
	chunks []string
	cap    int
}

func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = ConsoleCap
	}
	return &LogBuffer{cap: capacity}
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = append(b.chunks, string(p))
	if over := len(b.chunks) - b.cap; over > 0 {
		b.chunks = append(b.chunks[:0:0], b.chunks[over:]...)
	}
	return len(p), nil
}

// String joins the buffered chunks.
func (b *LogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.chunks, "")
}

func (b *LogBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// newJobLogger returns a logger writing human readable lines to the job
// console and structured events to out.
func newJobLogger(id string, console io.Writer, out io.Writer) zerolog.Logger {
	cw := zerolog.ConsoleWriter{
		Out:           console,
		NoColor:       true,
		TimeFormat:    "15:04:05",
		PartsOrder:    []string{zerolog.TimestampFieldName, zerolog.MessageFieldName},
		FieldsExclude: []string{"job_id", "source"},
	}
	return zerolog.New(zerolog.MultiLevelWriter(cw, out)).
		With().
		Timestamp().
		Str("job_id", id).
		Logger()
}

// lineWriter turns raw runner output into one log event per line.
type lineWriter struct {
	mu  sync.Mutex
	log zerolog.Logger
	buf []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush emits a trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(line []byte) {
	s := strings.TrimRight(string(line), "\r")
	if strings.TrimSpace(s) == "" {
		return
	}
	w.log.Info().Str("source", "runner").Msg(s)
}
