package taskrunner

import (
	"bufio"
	"encoding/json"
	"strings"
)

// concatenateTextEvents scans a newline-delimited event stream for
// `{"type":"text", "text": "..."}`-shaped lines and concatenates their
// text fields. All
// three providers speak this same line-delimited event shape in
// practice, so one implementation is shared across them.
func concatenateTextEvents(output string) string {
	var sb strings.Builder
	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] != '{' {
			continue
		}
		var ev struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		if ev.Type == "text" {
			sb.WriteString(ev.Text)
		}
	}
	return sb.String()
}
