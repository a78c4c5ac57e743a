package headless

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
)

// NoConsoleOutput is written to the console log when a page logged nothing.
const NoConsoleOutput = "// No console output captured"

// ConsoleMessage is one console API call made by a page.
type ConsoleMessage struct {
	Time time.Time
	Type string
	Text string
}

// String renders the message as one console log line.
func (m ConsoleMessage) String() string {
	return fmt.Sprintf("[%s] [%s] %s", m.Time.UTC().Format(time.RFC3339), strings.ToUpper(m.Type), m.Text)
}

// FormatConsoleLog joins messages into the on-disk console log format.
func FormatConsoleLog(messages []ConsoleMessage) string {
	if len(messages) == 0 {
		return NoConsoleOutput
	}
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		lines = append(lines, m.String())
	}
	return strings.Join(lines, "\n")
}

// pageEvents buffers everything a tab reports for the lifetime of one page.
type pageEvents struct {
	now func() time.Time

	mu        sync.RWMutex
	status    int
	headers   http.Header
	url       string
	requestID network.RequestID
	console   []ConsoleMessage
	jsErrors  []string
}

func newPageEvents(now func() time.Time) *pageEvents {
	if now == nil {
		now = time.Now
	}
	return &pageEvents{now: now, headers: http.Header{}}
}

func (m *pageEvents) captureEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventResponseReceived:
		m.captureResponse(e)
	case *runtime.EventConsoleAPICalled:
		m.captureConsole(e)
	case *runtime.EventExceptionThrown:
		m.captureException(e)
	}
}

// captureResponse keeps the first document response, which is the main
// frame after redirects have been followed.
func (m *pageEvents) captureResponse(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.requestID != "" {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			for _, line := range strings.Split(v, "\n") {
				headers.Add(key, line)
			}
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.requestID = event.RequestID
}

func (m *pageEvents) captureConsole(event *runtime.EventConsoleAPICalled) {
	parts := make([]string, 0, len(event.Args))
	for _, arg := range event.Args {
		parts = append(parts, remoteObjectText(arg))
	}
	msg := ConsoleMessage{Time: m.now(), Type: string(event.Type), Text: strings.Join(parts, " ")}
	m.mu.Lock()
	m.console = append(m.console, msg)
	if event.Type == runtime.APITypeError {
		m.jsErrors = append(m.jsErrors, msg.Text)
	}
	m.mu.Unlock()
}

func (m *pageEvents) captureException(event *runtime.EventExceptionThrown) {
	if event.ExceptionDetails == nil {
		return
	}
	text := event.ExceptionDetails.Text
	if exc := event.ExceptionDetails.Exception; exc != nil && exc.Description != "" {
		text = exc.Description
	}
	m.mu.Lock()
	m.jsErrors = append(m.jsErrors, text)
	m.console = append(m.console, ConsoleMessage{Time: m.now(), Type: "pageerror", Text: text})
	m.mu.Unlock()
}

func remoteObjectText(obj *runtime.RemoteObject) string {
	if obj == nil {
		return ""
	}
	if len(obj.Value) > 0 {
		raw := string(obj.Value)
		if unquoted, err := strconv.Unquote(raw); err == nil {
			return unquoted
		}
		return raw
	}
	if obj.Description != "" {
		return obj.Description
	}
	return string(obj.Type)
}

func (m *pageEvents) documentRequest() network.RequestID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestID
}

func (m *pageEvents) consoleMessages() []ConsoleMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ConsoleMessage(nil), m.console...)
}

func (m *pageEvents) scriptErrors() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string{}, m.jsErrors...)
}

func (m *pageEvents) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, url := m.status, cloneHeader(m.headers), m.url
	m.mu.RUnlock()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}

	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	dst := make(http.Header, len(src))
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
	return dst
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
