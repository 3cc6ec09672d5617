package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	maestroerrors "maestro/internal/errors"
	"maestro/internal/events"
	"maestro/internal/protocol"
)

// responseEvent is the terminal SSE frame carrying the final task response.
const responseEvent = "task.response"

// EventSink receives progress frames relayed from a streaming agent.
// *events.Bus satisfies it.
type EventSink interface {
	Publish(threadID, taskID string, payload events.Payload) events.Envelope
}

// StreamTask sends a task request asking for Server-Sent Events. Progress
// frames with known event kinds are republished on sink under the caller's
// thread; the terminal task.response frame (or a plain JSON-RPC response if
// the agent does not stream) becomes the returned TaskResponse.
func (c *Client) StreamTask(ctx context.Context, endpoint string, req *protocol.TaskRequest, sink EventSink) (*protocol.TaskResponse, error) {
	sem := c.slot(endpoint)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer sem.Release(1)

	breaker := c.breakers.Get(endpoint)
	if err := breaker.Allow(); err != nil {
		return nil, err
	}

	rpcReq, err := protocol.NewRequest(c.nextID(), protocol.MethodProcessTask, req)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(endpoint, TaskPath), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	c.setHeaders(httpReq)

	resp, err := c.streamHTTP().Do(httpReq)
	if err != nil {
		terr := maestroerrors.NewTransientError(err, fmt.Sprintf("agent %s unreachable", httpReq.URL.Host))
		breaker.Mark(terr)
		return nil, terr
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		serr := maestroerrors.FromHTTPStatus(resp.StatusCode, fmt.Errorf("agent returned http status %d", resp.StatusCode))
		breaker.Mark(serr)
		return nil, serr
	}

	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		// Agent ignored the Accept header; treat as a synchronous call.
		body, err := readAll(resp.Body, c.limit)
		if err != nil {
			breaker.Mark(err)
			return nil, err
		}
		breaker.Mark(nil)
		return decodeTaskResponse(body, endpoint)
	}

	taskResp, err := c.consumeStream(resp, req, sink, endpoint)
	breaker.Mark(err)
	return taskResp, err
}

// streamHTTP returns a client without an overall timeout so long streams are
// bounded only by the caller's context.
func (c *Client) streamHTTP() *http.Client {
	return &http.Client{Transport: c.http.Transport}
}

// consumeStream reads SSE frames until the terminal response frame or EOF.
func (c *Client) consumeStream(resp *http.Response, req *protocol.TaskRequest, sink EventSink, endpoint string) (*protocol.TaskResponse, error) {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	var (
		eventKind string
		data      strings.Builder
		taskResp  *protocol.TaskResponse
	)

	dispatch := func() error {
		defer func() {
			eventKind = ""
			data.Reset()
		}()
		if data.Len() == 0 {
			return nil
		}
		raw := data.String()
		if raw == "[DONE]" {
			return nil
		}
		switch {
		case eventKind == responseEvent:
			var tr protocol.TaskResponse
			if err := json.Unmarshal([]byte(raw), &tr); err != nil {
				return fmt.Errorf("decode streamed response from %s: %w", endpoint, err)
			}
			taskResp = &tr
		case events.KnownKind(eventKind):
			if sink != nil {
				sink.Publish(req.Context.ThreadID, req.TaskID, events.Raw{K: eventKind, Data: json.RawMessage(raw)})
			}
		default:
			c.logger.Debug("dropping unknown stream event %q from %s", eventKind, endpoint)
		}
		return nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := dispatch(); err != nil {
				return nil, err
			}
			if taskResp != nil {
				return taskResp, nil
			}
		case strings.HasPrefix(line, "event:"):
			eventKind = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, maestroerrors.NewTransientError(err, fmt.Sprintf("stream from %s broke", endpoint))
	}
	if err := dispatch(); err != nil {
		return nil, err
	}
	if taskResp == nil {
		return nil, maestroerrors.NewTransientError(nil, fmt.Sprintf("stream from %s ended without a response", endpoint))
	}
	return taskResp, nil
}

// decodeTaskResponse unwraps a JSON-RPC envelope into a TaskResponse.
func decodeTaskResponse(body []byte, endpoint string) (*protocol.TaskResponse, error) {
	var rpcResp protocol.Response
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", endpoint, err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	var tr protocol.TaskResponse
	if err := json.Unmarshal(rpcResp.Result, &tr); err != nil {
		return nil, fmt.Errorf("decode result from %s: %w", endpoint, err)
	}
	return &tr, nil
}
