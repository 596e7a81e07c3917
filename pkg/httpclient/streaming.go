package httpclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rmacdonaldsmith/ubus-go/pkg/message"
	"github.com/rmacdonaldsmith/ubus-go/pkg/uri"
)

// Stream is a live registration on the bus. The server registers a client
// when the stream opens and releases it when the stream closes.
type Stream struct {
	token    string
	entity   string
	messages chan *message.Message
	errors   chan error
	done     chan struct{}
	cancel   context.CancelFunc
	body     io.ReadCloser
}

// StreamConfig configures a stream
type StreamConfig struct {
	// BufferSize for the message channel
	BufferSize int
}

// SetDefaults sets reasonable default values for StreamConfig
func (sc *StreamConfig) SetDefaults() {
	if sc.BufferSize == 0 {
		sc.BufferSize = 100
	}
}

// Connect registers entity on the bus and returns once the server has
// confirmed the registration.
func (c *Client) Connect(ctx context.Context, entity uri.URI, config StreamConfig) (*Stream, error) {
	config.SetDefaults()
	streamCtx, cancel := context.WithCancel(ctx)

	u := c.baseURL.ResolveReference(&url.URL{Path: "/api/v1/stream"})
	q := url.Values{}
	q.Set("entity", entity.String())
	q.Set("package", c.config.PackageName)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create streaming request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	// the stream outlives the request timeout
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		cancel()
		body, _ := io.ReadAll(resp.Body)
		return nil, decodeError(resp.StatusCode, body)
	}

	s := &Stream{
		messages: make(chan *message.Message, config.BufferSize),
		errors:   make(chan error, 10),
		done:     make(chan struct{}),
		cancel:   cancel,
		body:     resp.Body,
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	name, data, err := nextEvent(scanner)
	if err == nil && name != "registered" {
		err = fmt.Errorf("unexpected event %q", name)
	}
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("stream did not confirm registration: %w", err)
	}
	var registered registeredEvent
	if err := json.Unmarshal([]byte(data), &registered); err != nil {
		s.Close()
		return nil, fmt.Errorf("invalid registration event: %w", err)
	}
	s.token = registered.Token
	s.entity = registered.Entity

	go s.run(streamCtx, scanner)
	return s, nil
}

// Token returns the bus token of this registration.
func (s *Stream) Token() string { return s.token }

// Entity returns the registered entity.
func (s *Stream) Entity() string { return s.entity }

// Messages returns the channel of delivered messages. It is closed when the
// stream ends.
func (s *Stream) Messages() <-chan *message.Message { return s.messages }

// Errors returns the channel for receiving errors
func (s *Stream) Errors() <-chan error { return s.errors }

// Done returns a channel that's closed when streaming ends
func (s *Stream) Done() <-chan struct{} { return s.done }

// Close ends the stream, which unregisters the client.
func (s *Stream) Close() error {
	s.cancel()
	_ = s.body.Close()
	if s.token != "" {
		<-s.done
	}
	return nil
}

func (s *Stream) run(ctx context.Context, scanner *bufio.Scanner) {
	defer close(s.done)
	defer close(s.messages)
	defer close(s.errors)

	for {
		name, data, err := nextEvent(scanner)
		if err != nil {
			if ctx.Err() == nil && err != io.EOF {
				s.report(fmt.Errorf("error reading stream: %w", err))
			}
			return
		}
		if name != "message" {
			continue
		}

		var msg message.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			s.report(fmt.Errorf("failed to parse message: %w", err))
			continue
		}
		select {
		case s.messages <- &msg:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Stream) report(err error) {
	select {
	case s.errors <- err:
	default:
	}
}

// nextEvent reads one named server-sent event. Comments are skipped.
func nextEvent(scanner *bufio.Scanner) (name, data string, err error) {
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && name != "":
			return name, data, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", "", err
	}
	return "", "", io.EOF
}
