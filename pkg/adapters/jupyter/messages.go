package jupyter

import (
	"encoding/json"
	"strings"
	"time"
)

const protocolVersion = "5.3"

// Message types used by the adapter.
const (
	msgExecuteRequest = "execute_request"
	msgExecuteReply   = "execute_reply"
	msgExecuteInput   = "execute_input"
	msgExecuteResult  = "execute_result"
	msgDisplayData    = "display_data"
	msgStream         = "stream"
	msgError          = "error"
	msgStatus         = "status"
)

type header struct {
	MsgID    string `json:"msg_id"`
	Username string `json:"username"`
	Session  string `json:"session"`
	MsgType  string `json:"msg_type"`
	Version  string `json:"version"`
	Date     string `json:"date"`
}

type message struct {
	Header       header          `json:"header"`
	ParentHeader header          `json:"parent_header"`
	Metadata     map[string]any  `json:"metadata"`
	Content      json.RawMessage `json:"content"`
	Channel      string          `json:"channel"`
	Buffers      []any           `json:"buffers"`
}

type executeRequest struct {
	Code            string         `json:"code"`
	Silent          bool           `json:"silent"`
	StoreHistory    bool           `json:"store_history"`
	UserExpressions map[string]any `json:"user_expressions"`
	AllowStdin      bool           `json:"allow_stdin"`
	StopOnError     bool           `json:"stop_on_error"`
}

type streamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// dataContent covers execute_result and display_data.
type dataContent struct {
	Data           map[string]any `json:"data"`
	ExecutionCount *int           `json:"execution_count,omitempty"`
}

type errorContent struct {
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

type statusContent struct {
	ExecutionState string `json:"execution_state"`
}

type replyContent struct {
	Status         string `json:"status"`
	ExecutionCount int    `json:"execution_count"`
	EName          string `json:"ename,omitempty"`
	EValue         string `json:"evalue,omitempty"`
}

func newExecuteRequest(msgID, clientSession, code string) (message, error) {
	content, err := json.Marshal(executeRequest{
		Code:            code,
		StoreHistory:    true,
		UserExpressions: map[string]any{},
		StopOnError:     true,
	})
	if err != nil {
		return message{}, err
	}
	return message{
		Header: header{
			MsgID:    msgID,
			Username: "workbench",
			Session:  clientSession,
			MsgType:  msgExecuteRequest,
			Version:  protocolVersion,
			Date:     time.Now().UTC().Format(time.RFC3339Nano),
		},
		Metadata: map[string]any{},
		Content:  content,
		Channel:  "shell",
		Buffers:  []any{},
	}, nil
}

// lines splits kernel text into output lines, dropping the trailing newline.
func lines(text string) []string {
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// plainText extracts the text/plain representation of a mime bundle.
func plainText(data map[string]any) string {
	switch v := data["text/plain"].(type) {
	case string:
		return v
	case []any:
		var b strings.Builder
		for _, part := range v {
			if s, ok := part.(string); ok {
				b.WriteString(s)
			}
		}
		return b.String()
	}
	return ""
}
