package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rmacdonaldsmith/ubus-go/pkg/message"
)

var (
	errStreamClosed = errors.New("stream closed")
	errStreamFull   = errors.New("stream buffer full")
)

// streamListener is the bus listener of one SSE connection. Messages are
// buffered; a full buffer fails the delivery so the bus retries it.
type streamListener struct {
	messages  chan *message.Message
	done      chan struct{}
	closeOnce sync.Once
}

func newStreamListener(buffer int) *streamListener {
	return &streamListener{
		messages: make(chan *message.Message, buffer),
		done:     make(chan struct{}),
	}
}

// OnReceive implements ubus.Listener.
func (l *streamListener) OnReceive(msg *message.Message) error {
	select {
	case <-l.done:
		return errStreamClosed
	default:
	}
	select {
	case l.messages <- msg:
		return nil
	case <-l.done:
		return errStreamClosed
	default:
		return errStreamFull
	}
}

// Done implements ubus.ConnectionWatcher.
func (l *streamListener) Done() <-chan struct{} {
	return l.done
}

func (l *streamListener) close() {
	l.closeOnce.Do(func() { close(l.done) })
}

// writeSSE writes one server-sent event carrying data as JSON.
func writeSSE(w http.ResponseWriter, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal SSE message: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
