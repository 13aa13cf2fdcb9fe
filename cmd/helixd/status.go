package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/yuin/goldmark"
)

// renderStatusMarkdown renders a node.describe result as Markdown and,
// for an --html request, converts it to HTML with goldmark.
// The default terminal path just prints the Markdown source, which reads
// fine unrendered; --html is for piping into a browser or mail client.
func renderStatusMarkdown(result []byte, html bool) {
	var info map[string]any
	if err := json.Unmarshal(result, &info); err != nil {
		fmt.Println(string(result))
		return
	}

	md := formatStatusMarkdown(info)

	if !html {
		fmt.Print(md)
		return
	}

	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		fmt.Print(md)
		return
	}
	fmt.Print(buf.String())
}

func formatStatusMarkdown(info map[string]any) string {
	md := "# helixd status\n\n"
	for _, key := range []string{"version", "uptime", "go_version", "os", "arch"} {
		v, ok := info[key]
		if !ok {
			continue
		}
		md += fmt.Sprintf("- **%s**: %s\n", key, formatStatusValue(key, v))
	}
	return md
}

// formatStatusValue renders an uptime duration string the way a human
// reads it ("2 hours ago") rather than Go's compact "2h0m0s".
func formatStatusValue(key string, v any) string {
	s := fmt.Sprintf("%v", v)
	if key == "uptime" {
		if d, err := time.ParseDuration(s); err == nil {
			return humanize.Time(time.Now().Add(-d))
		}
	}
	return s
}
