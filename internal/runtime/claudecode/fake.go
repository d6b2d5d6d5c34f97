// ABOUTME: Scripted stand-in for the claude CLI speaking the stream-json control protocol
// ABOUTME: Drives cmd/fake-claude and the subprocess tests in this package

package claudecode

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Fake echoes prompts back as a streamed reply. Prompt directives:
//
//	bash: <cmd>      ask permission to run <cmd> with the Bash tool
//	progress: <n>    emit n tool_progress lines before replying
//	fail             exit without a result line
type Fake struct {
	Stderr io.Writer
}

// Run serves one CLI invocation.
func (f *Fake) Run(args []string, stdin io.Reader, stdout io.Writer) error {
	conversation := "fake-" + uuid.NewString()
	for i, a := range args {
		if a == "--resume" && i+1 < len(args) {
			conversation = args[i+1]
		}
	}

	enc := json.NewEncoder(stdout)
	in := bufio.NewScanner(stdin)
	in.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	turns := 0
	started := time.Now()

	for in.Scan() {
		var msg struct {
			Type      string `json:"type"`
			RequestID string `json:"request_id"`
			Request   struct {
				Subtype string `json:"subtype"`
			} `json:"request"`
			Message struct {
				Content []struct {
					Text string `json:"text"`
				} `json:"content"`
			} `json:"message"`
		}
		if err := json.Unmarshal(in.Bytes(), &msg); err != nil {
			return fmt.Errorf("fake claude: bad input: %w", err)
		}

		switch msg.Type {
		case "control_request":
			if err := enc.Encode(map[string]any{
				"type": "control_response",
				"response": map[string]any{
					"subtype":    "success",
					"request_id": msg.RequestID,
					"response":   map[string]any{},
				},
			}); err != nil {
				return err
			}

		case "user":
			var prompt strings.Builder
			for _, c := range msg.Message.Content {
				prompt.WriteString(c.Text)
			}
			turns++
			if err := f.turn(enc, in, conversation, prompt.String(), turns, started); err != nil {
				return err
			}
		}
	}
	return in.Err()
}

func (f *Fake) turn(enc *json.Encoder, in *bufio.Scanner, conversation, prompt string, turns int, started time.Time) error {
	if err := enc.Encode(map[string]any{
		"type": "system", "subtype": "init", "session_id": conversation,
	}); err != nil {
		return err
	}

	if strings.TrimSpace(prompt) == "fail" {
		if f.Stderr != nil {
			fmt.Fprintln(f.Stderr, "Error: simulated failure")
		}
		return errors.New("simulated failure")
	}

	reply := "echo: " + prompt

	for _, line := range strings.Split(prompt, "\n") {
		directive, arg, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		arg = strings.TrimSpace(arg)
		switch strings.TrimSpace(directive) {
		case "progress":
			n, _ := strconv.Atoi(arg)
			for i := range n {
				if err := enc.Encode(map[string]any{
					"type": "tool_progress", "tool_name": "WebFetch", "tool_use_id": "toolu_progress",
					"elapsed_time_seconds": float64(i + 1), "parent_tool_use_id": nil,
				}); err != nil {
					return err
				}
			}

		case "bash":
			outcome, err := f.askBash(enc, in, arg)
			if err != nil {
				return err
			}
			reply = outcome
		}
	}

	for _, word := range strings.SplitAfter(reply, " ") {
		if err := enc.Encode(map[string]any{
			"type": "stream_event",
			"event": map[string]any{
				"type":  "content_block_delta",
				"index": 0,
				"delta": map[string]any{"type": "text_delta", "text": word},
			},
			"parent_tool_use_id": nil,
		}); err != nil {
			return err
		}
	}

	if err := enc.Encode(map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"role":    "assistant",
			"content": []map[string]any{{"type": "text", "text": reply}},
		},
		"parent_tool_use_id": nil,
	}); err != nil {
		return err
	}

	return enc.Encode(map[string]any{
		"type":           "result",
		"subtype":        "success",
		"session_id":     conversation,
		"total_cost_usd": 0.01 * float64(turns),
		"num_turns":      turns,
		"duration_ms":    time.Since(started).Milliseconds(),
		"result":         reply,
		"is_error":       false,
	})
}

// askBash proposes a Bash call, waits for the control_response and reports
// the tool result. It returns the text to reply with.
func (f *Fake) askBash(enc *json.Encoder, in *bufio.Scanner, command string) (string, error) {
	toolID := "toolu_" + uuid.NewString()[:8]
	input := map[string]any{"command": command}

	if err := enc.Encode(map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"role":    "assistant",
			"content": []map[string]any{{"type": "tool_use", "id": toolID, "name": "Bash", "input": input}},
		},
		"parent_tool_use_id": nil,
	}); err != nil {
		return "", err
	}

	requestID := "ctl_" + toolID
	if err := enc.Encode(map[string]any{
		"type":       "control_request",
		"request_id": requestID,
		"request": map[string]any{
			"subtype": "can_use_tool", "tool_name": "Bash", "input": input,
		},
	}); err != nil {
		return "", err
	}

	for in.Scan() {
		var resp struct {
			Type     string `json:"type"`
			Response struct {
				RequestID string `json:"request_id"`
				Response  struct {
					Behavior     string         `json:"behavior"`
					Message      string         `json:"message"`
					UpdatedInput map[string]any `json:"updatedInput"`
				} `json:"response"`
			} `json:"response"`
		}
		if err := json.Unmarshal(in.Bytes(), &resp); err != nil {
			return "", fmt.Errorf("fake claude: bad control response: %w", err)
		}
		if resp.Type != "control_response" || resp.Response.RequestID != requestID {
			continue
		}

		decision := resp.Response.Response
		result := map[string]any{"type": "tool_result", "tool_use_id": toolID}
		var reply string
		if decision.Behavior == "allow" {
			ran, _ := decision.UpdatedInput["command"].(string)
			result["content"] = "ran: " + ran
			reply = "ran " + ran
		} else {
			result["content"] = decision.Message
			result["is_error"] = true
			reply = "refused: " + decision.Message
		}
		if err := enc.Encode(map[string]any{
			"type":               "user",
			"message":            map[string]any{"role": "user", "content": []map[string]any{result}},
			"parent_tool_use_id": nil,
		}); err != nil {
			return "", err
		}
		return reply, nil
	}
	return "", errors.New("fake claude: stdin closed while waiting for permission")
}
