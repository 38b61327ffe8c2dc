package cloud

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/dutkit/dutkit/pkg/device"
)

type logLine struct {
	Message     string `json:"message"`
	Timestamp   int64  `json:"timestamp"`
	IsSystem    bool   `json:"isSystem"`
	IsStdErr    bool   `json:"isStdErr"`
	ServiceName string `json:"serviceName"`
}

// Logs returns the device's recent log history, oldest first.
func (c *Client) Logs(ctx context.Context, uuid string) ([]device.LogEntry, error) {
	var lines []logLine
	path := "/device/v2/" + url.PathEscape(uuid) + "/logs"
	if err := c.doJSON(ctx, "logs", http.MethodGet, path, nil, &lines); err != nil {
		return nil, err
	}

	entries := make([]device.LogEntry, 0, len(lines))
	for _, l := range lines {
		entries = append(entries, device.LogEntry{
			Message:     l.Message,
			Timestamp:   time.UnixMilli(l.Timestamp),
			IsSystem:    l.IsSystem,
			IsStdErr:    l.IsStdErr,
			ServiceName: l.ServiceName,
		})
	}
	return entries, nil
}

// LogsContain reports whether some log line contains contains and no line
// contains notContains.
func (c *Client) LogsContain(ctx context.Context, uuid, contains, notContains string) (bool, error) {
	entries, err := c.Logs(ctx, uuid)
	if err != nil {
		return false, err
	}
	return device.LogsMatch(entries, contains, notContains), nil
}
