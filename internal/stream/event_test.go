package stream

import (
	"encoding/json"
	"testing"

	"github.com/ashureev/agentchat/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventWireShape(t *testing.T) {
	data, err := json.Marshal(Token("hi"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"token","content":"hi"}`, string(data))

	data, err = json.Marshal(UsageEvent(domain.Usage{SessionTotalTokens: 9}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"usage","content":{"session_prompt_tokens":0,"session_completion_tokens":0,"session_total_tokens":9,"context_usage_percent":0}}`, string(data))
}

func TestEventUnmarshalNonStringText(t *testing.T) {
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(`{"type":"error","content":{"code":429}}`), &ev))
	assert.Equal(t, EventError, ev.Type)
	assert.Equal(t, `{"code":429}`, ev.Text)
}

func TestEventUnmarshalLogKeepsPayload(t *testing.T) {
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(`{"type":"log","content":[1,2]}`), &ev))
	assert.JSONEq(t, `[1,2]`, string(ev.Log))
}
