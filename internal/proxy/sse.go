package proxy

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// sseFrame is the subset of an OpenAI-compatible streaming event the token
// relay cares about.
type sseFrame struct {
	Choices []struct {
		Text  string `json:"text"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// RelayTokens re-parses an SSE stream and forwards only the textual deltas,
// for callers that want plain tokens rather than raw event frames.
// Malformed event lines are skipped without aborting the stream; the
// upstream [DONE] sentinel ends the relay.
func RelayTokens(w http.ResponseWriter, resp *http.Response) error {
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		token, done := extractToken(scanner.Text())
		if done {
			return nil
		}
		if token == "" {
			continue
		}
		if _, err := io.WriteString(w, token); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	return scanner.Err()
}

// extractToken pulls the delta text out of one SSE line. Non-data lines and
// frames without text yield "".
func extractToken(line string) (token string, done bool) {
	data, ok := strings.CutPrefix(line, "data: ")
	if !ok {
		return "", false
	}
	if strings.TrimSpace(data) == "[DONE]" {
		return "", true
	}

	var frame sseFrame
	if err := json.Unmarshal([]byte(data), &frame); err != nil {
		return "", false
	}
	if len(frame.Choices) == 0 {
		return "", false
	}
	if content := frame.Choices[0].Delta.Content; content != "" {
		return content, false
	}
	return frame.Choices[0].Text, false
}
