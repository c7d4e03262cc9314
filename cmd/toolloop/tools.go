package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/skosovsky/toolloop"
)

type pairArgs struct {
	A float64 `json:"a" description:"First operand"`
	B float64 `json:"b" description:"Second operand"`
}

type calcArgs struct {
	Op string  `json:"op" enum:"add,sub,mul,div" description:"Operation to apply"`
	A  float64 `json:"a"`
	B  float64 `json:"b"`
}

func (c calcArgs) Validate() error {
	if c.Op == "div" && c.B == 0 {
		return errors.New("division by zero")
	}
	return nil
}

type clockArgs struct {
	Zone string `json:"zone,omitempty" description:"IANA time zone, UTC when empty"`
}

type textArgs struct {
	Text string `json:"text"`
}

type fileArgs struct {
	Path  string `json:"path" description:"File to read"`
	Limit int    `json:"limit,omitempty" description:"Maximum bytes returned, 4096 when zero"`
}

type wordStats struct {
	Words int `json:"words"`
	Chars int `json:"chars"`
	Lines int `json:"lines"`
}

// demoTools returns the tools the CLI offers to the model.
func demoTools(now func() time.Time) ([]toolloop.Tool, error) {
	add, err := toolloop.NewTool("add", "Add two numbers", func(_ context.Context, a pairArgs) (float64, error) {
		return a.A + a.B, nil
	}, toolloop.WithTags("math"), toolloop.WithVersion("1"))
	if err != nil {
		return nil, err
	}
	calc, err := toolloop.NewTool("calculate", "Apply an arithmetic operation to two numbers",
		func(_ context.Context, a calcArgs) (float64, error) {
			switch a.Op {
			case "add":
				return a.A + a.B, nil
			case "sub":
				return a.A - a.B, nil
			case "mul":
				return a.A * a.B, nil
			case "div":
				return a.A / a.B, nil
			}
			return 0, fmt.Errorf("unknown operation %q", a.Op)
		}, toolloop.WithTags("math"), toolloop.WithVersion("1"))
	if err != nil {
		return nil, err
	}
	clock, err := toolloop.NewTool("current_time", "Current date and time in RFC 3339",
		func(_ context.Context, a clockArgs) (string, error) {
			loc := time.UTC
			if a.Zone != "" {
				l, err := time.LoadLocation(a.Zone)
				if err != nil {
					return "", &toolloop.ToolExecutionError{Parameter: "zone", Message: err.Error(), Input: true, Err: toolloop.ErrValidation}
				}
				loc = l
			}
			return now().In(loc).Format(time.RFC3339), nil
		}, toolloop.WithTimeout(time.Second), toolloop.WithTags("clock"), toolloop.WithVersion("1"))
	if err != nil {
		return nil, err
	}
	words, err := toolloop.NewTool("word_count", "Count words, characters and lines of a text",
		func(_ context.Context, a textArgs) (wordStats, error) {
			lines := 0
			if a.Text != "" {
				lines = strings.Count(a.Text, "\n") + 1
			}
			return wordStats{Words: len(strings.Fields(a.Text)), Chars: len([]rune(a.Text)), Lines: lines}, nil
		}, toolloop.WithTags("text"), toolloop.WithVersion("1"))
	if err != nil {
		return nil, err
	}
	// read_file exposes the local filesystem to the model.
	readFile, err := toolloop.NewTool("read_file", "Read the beginning of a local text file",
		func(_ context.Context, a fileArgs) (string, error) {
			f, err := os.Open(a.Path)
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
				return "", &toolloop.ToolExecutionError{Parameter: "path", Message: err.Error(), Input: true, Err: toolloop.ErrValidation}
			}
			if err != nil {
				return "", err
			}
			defer f.Close()
			limit := a.Limit
			if limit <= 0 {
				limit = 4096
			}
			data, err := io.ReadAll(io.LimitReader(f, int64(limit)))
			if err != nil {
				return "", err
			}
			return string(data), nil
		}, toolloop.WithTags("text", "filesystem"), toolloop.WithVersion("1"), toolloop.WithDangerous(),
		toolloop.WithTimeout(5*time.Second))
	if err != nil {
		return nil, err
	}
	return []toolloop.Tool{add, calc, clock, words, readFile}, nil
}

// selectTools keeps the tools carrying one of tags (all tools when tags is empty).
// Dangerous tools are dropped unless allowDangerous is set.
func selectTools(tools []toolloop.Tool, tags []string, allowDangerous bool) []toolloop.Tool {
	var out []toolloop.Tool
	for _, t := range tools {
		meta, _ := t.(toolloop.ToolMetadata)
		if meta != nil && meta.IsDangerous() && !allowDangerous {
			continue
		}
		if len(tags) > 0 && (meta == nil || !slices.ContainsFunc(meta.Tags(), func(tag string) bool {
			return slices.Contains(tags, tag)
		})) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// toolInfo is the descriptor printed by the tools command.
type toolInfo struct {
	toolloop.ToolSchema
	Version   string   `json:"version,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Dangerous bool     `json:"dangerous,omitempty"`
}

func describeTool(t toolloop.Tool) toolInfo {
	info := toolInfo{ToolSchema: toolloop.SchemaOf(t)}
	if meta, ok := t.(toolloop.ToolMetadata); ok {
		info.Version = meta.Version()
		info.Tags = meta.Tags()
		info.Dangerous = meta.IsDangerous()
	}
	return info
}
