package launch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nevil-robotics/nevil-core/pkg/bus"
	"github.com/nevil-robotics/nevil-core/pkg/config"
	"github.com/nevil-robotics/nevil-core/pkg/node"
)

// echoBody replies on text_response to every voice_command it receives.
type echoBody struct {
	rt *node.Runtime
}

func (b *echoBody) Initialize(rt *node.Runtime) error {
	b.rt = rt
	return nil
}

func (b *echoBody) Cleanup(*node.Runtime) error { return nil }

func (b *echoBody) Callbacks() map[string]node.Handler {
	return map[string]node.Handler{
		"on_voice_command": func(msg bus.Message) {
			payload := msg.Data.(map[string]any)
			b.rt.Publish(bus.TopicTextResponse, map[string]any{
				"text":            "echo: " + payload["text"].(string),
				"conversation_id": payload["conversation_id"],
			}, bus.PriorityNormal)
		},
	}
}

// collectBody records every text_response it sees.
type collectBody struct {
	mu       sync.Mutex
	received []bus.Message
}

func (b *collectBody) Initialize(*node.Runtime) error { return nil }
func (b *collectBody) Cleanup(*node.Runtime) error    { return nil }

func (b *collectBody) Callbacks() map[string]node.Handler {
	return map[string]node.Handler{
		"on_text_response": func(msg bus.Message) {
			b.mu.Lock()
			b.received = append(b.received, msg)
			b.mu.Unlock()
		},
	}
}

// TestTwoNodeConversationFlow runs two wired nodes against a live bus and
// checks that conversation ids survive the round trip in order.
func TestTwoNodeConversationFlow(t *testing.T) {
	b := bus.New(nil)

	echo := &echoBody{}
	echoRT := node.NewRuntime("ai_cognition", &config.Node{
		Publishes:  []config.Publish{{Topic: bus.TopicTextResponse}},
		Subscribes: []config.Subscribe{{Topic: bus.TopicVoiceCommand, Callback: "on_voice_command"}},
	}, echo, nil)
	require.NoError(t, echoRT.Attach(b))
	require.NoError(t, echoRT.Start())
	defer echoRT.Stop(time.Second)

	collect := &collectBody{}
	collectRT := node.NewRuntime("text_sink", &config.Node{
		Subscribes: []config.Subscribe{{Topic: bus.TopicTextResponse, Callback: "on_text_response"}},
	}, collect, nil)
	require.NoError(t, collectRT.Attach(b))
	require.NoError(t, collectRT.Start())
	defer collectRT.Stop(time.Second)

	for i, text := range []string{"one", "two", "three"} {
		conv := []string{"c1", "c2", "c3"}[i]
		b.Publish(bus.NewMessage(bus.TopicVoiceCommand, map[string]any{
			"text":            text,
			"conversation_id": conv,
		}, "speech_recognition", bus.PriorityNormal))
	}

	require.Eventually(t, func() bool {
		collect.mu.Lock()
		defer collect.mu.Unlock()
		return len(collect.received) == 3
	}, 3*time.Second, 10*time.Millisecond)

	collect.mu.Lock()
	defer collect.mu.Unlock()
	wantText := []string{"echo: one", "echo: two", "echo: three"}
	wantConv := []string{"c1", "c2", "c3"}
	for i, msg := range collect.received {
		payload := msg.Data.(map[string]any)
		require.Equal(t, wantText[i], payload["text"])
		require.Equal(t, wantConv[i], payload["conversation_id"])
		require.Equal(t, "ai_cognition", msg.SourceNode)
	}
}
