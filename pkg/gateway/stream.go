package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
)

// streamResponse renders the answer as server-sent events: one token
// frame per word of the short answer, a final frame with the full
// response, then the [DONE] sentinel.
func (s *Service) streamResponse(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	writeEvent := func(event string, data []byte) {
		if event != "" {
			_, _ = w.Write([]byte("event: " + event + "\n"))
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(data)
		_, _ = w.Write([]byte("\n\n"))
		flush()
	}

	for _, token := range strings.Fields(resp.Answer.ShortAnswer) {
		frame, err := json.Marshal(map[string]string{"token": token + " "})
		if err != nil {
			continue
		}
		writeEvent("short_answer", frame)
	}

	if full, err := json.Marshal(resp); err == nil {
		writeEvent("", full)
	}
	writeEvent("", []byte("[DONE]"))
}
