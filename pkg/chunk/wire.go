package chunk

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/papercomputeco/localllama/pkg/deferred"
)

// Server-sent event names, one per Node kind.
const (
	EventText  = "text"
	EventDone  = "done"
	EventError = "error"
)

type textPayload struct {
	Content string `json:"content"`
	// Last marks a Text node with no successor.
	Last bool `json:"last,omitempty"`
}

type errorPayload struct {
	Error string `json:"error"`
}

// WriteSSE forwards the chain starting at head as server-sent events, one
// event per node, flushing after each. It returns once a terminal node or a
// last Text node has been written, or when writing or waiting fails.
func WriteSSE(ctx context.Context, w *bufio.Writer, head Node) error {
	node := head
	for seq := 1; ; seq++ {
		if err := writeEvent(w, seq, node); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("flush event %d: %w", seq, err)
		}

		if node.Kind != KindText || node.Next == nil {
			return nil
		}

		next, err := node.Next.Wait(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			// The producer rejected the slot rather than resolving it with an
			// Error node; forward it the same way.
			node = Failed(err)
			continue
		}
		node = next
	}
}

func writeEvent(w io.Writer, seq int, node Node) error {
	var (
		name    string
		payload any
	)

	switch node.Kind {
	case KindText:
		name, payload = EventText, textPayload{Content: node.Content, Last: node.Next == nil}
	case KindDone:
		name, payload = EventDone, struct{}{}
	case KindError:
		msg := ""
		if node.Err != nil {
			msg = node.Err.Error()
		}
		name, payload = EventError, errorPayload{Error: msg}
	default:
		panic(fmt.Errorf("%w: node kind %d", ErrProtocol, node.Kind))
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", name, err)
	}

	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, name, data); err != nil {
		return fmt.Errorf("write %s event: %w", name, err)
	}

	return nil
}

// ReadSSE decodes a stream written by WriteSSE back into a chain. It blocks
// until the first event arrives and returns it as the head; later events
// resolve the pending successors as they are read. If the stream breaks
// before a terminal event, the pending successor is rejected with the read
// error. r is closed once decoding ends if it implements io.Closer.
func ReadSSE(r io.Reader) (Node, error) {
	dec := &sseDecoder{r: bufio.NewReader(r)}
	if c, ok := r.(io.Closer); ok {
		dec.closer = c
	}

	ev, err := dec.next()
	if err != nil {
		dec.close()
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Node{}, fmt.Errorf("read first event: %w", err)
	}

	head, slot := ev.node()
	if slot == nil {
		dec.close()
		return head, nil
	}

	go dec.run(slot)
	return head, nil
}

type sseEvent struct {
	id   int
	name string
	data string
}

// node converts ev into a Node, returning the slot its successor will be
// delivered through, or nil if nothing follows.
func (ev sseEvent) node() (Node, *deferred.Deferred[Node]) {
	switch ev.name {
	case EventText:
		var p textPayload
		if err := json.Unmarshal([]byte(ev.data), &p); err != nil {
			return Failed(fmt.Errorf("%w: event %d: %v", ErrProtocol, ev.id, err)), nil
		}
		if p.Last {
			return Text(p.Content, nil), nil
		}
		slot := deferred.New[Node]()
		return Text(p.Content, slot.Future()), slot

	case EventDone:
		return Done(), nil

	case EventError:
		var p errorPayload
		if err := json.Unmarshal([]byte(ev.data), &p); err != nil {
			return Failed(fmt.Errorf("%w: event %d: %v", ErrProtocol, ev.id, err)), nil
		}
		return Failed(&RemoteError{Message: p.Error}), nil

	default:
		return Failed(fmt.Errorf("%w: unknown event %q", ErrProtocol, ev.name)), nil
	}
}

type sseDecoder struct {
	r      *bufio.Reader
	closer io.Closer
}

func (d *sseDecoder) run(slot *deferred.Deferred[Node]) {
	defer d.close()

	for slot != nil {
		ev, err := d.next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			slot.Reject(fmt.Errorf("stream interrupted: %w", err))
			return
		}

		node, next := ev.node()
		slot.Resolve(node)
		slot = next
	}
}

// next reads one event, skipping comments and events without a name.
func (d *sseDecoder) next() (sseEvent, error) {
	var (
		ev   sseEvent
		data []string
	)

	for {
		line, err := d.r.ReadString('\n')
		if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
			return sseEvent{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if ev.name != "" {
				ev.data = strings.Join(data, "\n")
				return ev, nil
			}
			ev, data = sseEvent{}, nil
			if err != nil {
				return sseEvent{}, err
			}
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			ev.id, _ = strconv.Atoi(value)
		case "event":
			ev.name = value
		case "data":
			data = append(data, value)
		}

		if err != nil {
			return sseEvent{}, err
		}
	}
}

func (d *sseDecoder) close() {
	if d.closer != nil {
		_ = d.closer.Close()
	}
}
