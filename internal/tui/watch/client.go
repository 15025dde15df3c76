package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/bridge25/unmanned-manager/internal/collector"
	"github.com/bridge25/unmanned-manager/internal/events"
)

// --- Message types ---

type eventMsg events.Event

type healthMsg collector.HealthzResponse

type snapshotMsg Snapshot

type refreshMsg time.Time

type errMsg error

type streamClosedMsg struct{ lastID int64 }
type reconnectMsg struct{}

const (
	apiKeyHeader = "X-Jarvis-API-Key"
	streamPath   = "/jarvis/stream"
)

// --- Commands ---

func loadSnapshot(src Source) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		snap, err := src.Snapshot(ctx)
		if err != nil {
			return errMsg(err)
		}
		return snapshotMsg(snap)
	}
}

// subscribeToEvents reads the collector's SSE stream into ch, resuming after
// lastID. It returns streamClosedMsg when the connection drops.
func subscribeToEvents(baseURL, apiKey string, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodGet, strings.TrimRight(baseURL, "/")+streamPath, nil)
		if err != nil {
			return errMsg(err)
		}
		if apiKey != "" {
			req.Header.Set(apiKeyHeader, apiKey)
		}
		if lastID > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return streamClosedMsg{lastID: lastID}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg(fmt.Errorf("event stream: %s", resp.Status))
		}

		return streamClosedMsg{lastID: readStream(bufio.NewScanner(resp.Body), lastID, ch)}
	}
}

// readStream parses SSE frames until the scanner stops and returns the last
// event ID seen. Comment lines (keep-alives) are ignored.
func readStream(sc *bufio.Scanner, lastID int64, ch chan<- events.Event) int64 {
	var cur events.Event
	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				cur.At = time.Now()
				cur.Data = json.RawMessage(data.String())
				ch <- cur
				if cur.ID > lastID {
					lastID = cur.ID
				}
			}
			cur = events.Event{}
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				cur.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			cur.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			data.WriteString(line[6:])
		}
	}
	return lastID
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// fetchHealth queries the collector's /healthz endpoint.
func fetchHealth(baseURL string) tea.Msg {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(strings.TrimRight(baseURL, "/") + "/healthz")
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()

	var h healthMsg
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return errMsg(err)
	}
	return h
}
