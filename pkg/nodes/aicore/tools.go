package aicore

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/kaptinlin/jsonrepair"

	"github.com/nevil-robotics/nevil-core/pkg/bus"
	"github.com/nevil-robotics/nevil-core/pkg/gesture"
	"github.com/nevil-robotics/nevil-core/pkg/jsontime"
	"github.com/nevil-robotics/nevil-core/pkg/realtime"
)

// toolError is the ToolError payload returned to the server when a call
// cannot be honored.
func toolError(msg string) string {
	out, _ := json.Marshal(map[string]string{"status": "error", "message": msg})
	return string(out)
}

// tool is one entry in the catalog: its schema advertised at
// session.update time and its local effect.
type tool struct {
	name        string
	description string
	schema      *jsonschema.Schema
	invoke      func(n *Node, args string) string
}

// invokeTyped decodes args into T (repairing near-valid JSON the model
// may stream) and runs fn.
func invokeTyped[T any](fn func(n *Node, arg T) string) func(*Node, string) string {
	return func(n *Node, args string) string {
		var v T
		if args == "" {
			args = "{}"
		}
		if err := json.Unmarshal([]byte(args), &v); err != nil {
			repaired, rerr := jsonrepair.JSONRepair(args)
			if rerr != nil {
				return toolError(fmt.Sprintf("invalid arguments: %v", err))
			}
			if err := json.Unmarshal([]byte(repaired), &v); err != nil {
				return toolError(fmt.Sprintf("invalid arguments: %v", err))
			}
		}
		return fn(n, v)
	}
}

func mustSchema[T any]() *jsonschema.Schema {
	s, err := jsonschema.For[T](&jsonschema.ForOptions{})
	if err != nil {
		panic(err)
	}
	return s
}

type gestureArgs struct {
	GestureName string `json:"gesture_name"`
	Speed       string `json:"speed,omitempty"`
}

type soundArgs struct {
	SoundName string `json:"sound_name"`
}

type snapshotArgs struct{}

type rememberArgs struct {
	Message    string `json:"message"`
	Response   string `json:"response,omitempty"`
	Category   string `json:"category,omitempty"`
	Importance int    `json:"importance,omitempty"`
}

type recallArgs struct {
	Query         string `json:"query"`
	Category      string `json:"category,omitempty"`
	Limit         int    `json:"limit,omitempty"`
	MinImportance int    `json:"min_importance,omitempty"`
}

type musicArgs struct {
	Category string `json:"category,omitempty"`
	Mood     string `json:"mood,omitempty"`
}

// catalog is the complete tool set advertised to the realtime session.
var catalog = []tool{
	{
		name:        "perform_gesture",
		description: "Perform a physical gesture or movement with the robot body.",
		schema:      mustSchema[gestureArgs](),
		invoke: invokeTyped(func(n *Node, arg gestureArgs) string {
			speed := arg.Speed
			if speed == "" {
				speed = gesture.SpeedMed
			}
			switch speed {
			case gesture.SpeedSlow, gesture.SpeedMed, gesture.SpeedFast:
			default:
				return toolError(fmt.Sprintf("unknown speed %q", speed))
			}
			if !gesture.Known(arg.GestureName) {
				return toolError(fmt.Sprintf("unknown gesture %q", arg.GestureName))
			}
			action := arg.GestureName + ":" + speed
			n.recordGestureCall()
			n.rt.Publish(bus.TopicRobotAction, map[string]any{
				"actions":   []string{action},
				"priority":  "normal",
				"timestamp": jsontime.Now(),
			}, bus.PriorityNormal)
			out, _ := json.Marshal(map[string]string{"status": "success", "gesture": action})
			return string(out)
		}),
	},
	{
		name:        "play_sound",
		description: "Play a named sound effect through the robot speaker.",
		schema:      mustSchema[soundArgs](),
		invoke: invokeTyped(func(n *Node, arg soundArgs) string {
			if arg.SoundName == "" {
				return toolError("sound_name is required")
			}
			n.rt.Publish(bus.TopicRobotAction, map[string]any{
				"actions":   []string{"play_sound " + arg.SoundName},
				"priority":  "normal",
				"timestamp": jsontime.Now(),
			}, bus.PriorityNormal)
			out, _ := json.Marshal(map[string]string{"status": "success", "sound": arg.SoundName})
			return string(out)
		}),
	},
	{
		name:        "take_snapshot",
		description: "Take a picture with the camera to see the current surroundings.",
		schema:      mustSchema[snapshotArgs](),
		invoke: invokeTyped(func(n *Node, _ snapshotArgs) string {
			n.publishSnapPic("tool_call")
			out, _ := json.Marshal(map[string]string{"status": "success", "message": "snapshot requested"})
			return string(out)
		}),
	},
	{
		name:        "remember",
		description: "Store something worth remembering about this conversation.",
		schema:      mustSchema[rememberArgs](),
		invoke: invokeTyped(func(n *Node, arg rememberArgs) string {
			n.rt.Publish(bus.TopicMemoryRequest, map[string]any{
				"operation": "remember",
				"params": map[string]any{
					"message":    arg.Message,
					"response":   arg.Response,
					"category":   arg.Category,
					"importance": arg.Importance,
				},
				"timestamp": jsontime.Now(),
			}, bus.PriorityNormal)
			out, _ := json.Marshal(map[string]string{"status": "success"})
			return string(out)
		}),
	},
	{
		name:        "recall",
		description: "Search stored memories from earlier conversations.",
		schema:      mustSchema[recallArgs](),
		invoke: invokeTyped(func(n *Node, arg recallArgs) string {
			n.rt.Publish(bus.TopicMemoryRequest, map[string]any{
				"operation": "recall",
				"params": map[string]any{
					"query":          arg.Query,
					"category":       arg.Category,
					"limit":          arg.Limit,
					"min_importance": arg.MinImportance,
				},
				"timestamp": jsontime.Now(),
			}, bus.PriorityNormal)
			out, _ := json.Marshal(map[string]string{"status": "success", "message": "recall requested"})
			return string(out)
		}),
	},
	{
		name:        "stream_youtube_music",
		description: "Stream background music matching a category or mood.",
		schema:      mustSchema[musicArgs](),
		invoke: invokeTyped(func(n *Node, arg musicArgs) string {
			n.rt.Publish(TopicMusicRequest, map[string]any{
				"category":  arg.Category,
				"mood":      arg.Mood,
				"timestamp": jsontime.Now(),
			}, bus.PriorityNormal)
			out, _ := json.Marshal(map[string]string{"status": "success", "message": "music requested"})
			return string(out)
		}),
	},
}

// ToolCatalog returns the tool definitions for the session configuration.
func ToolCatalog() []realtime.Tool {
	out := make([]realtime.Tool, 0, len(catalog))
	for _, t := range catalog {
		out = append(out, realtime.Tool{
			Type:        "function",
			Name:        t.name,
			Description: t.description,
			Parameters:  t.schema,
		})
	}
	return out
}

// dispatchTool runs the named tool and returns its JSON result. Unknown
// names are a ToolError result, not a crash.
func (n *Node) dispatchTool(name, args string) string {
	for _, t := range catalog {
		if t.name == name {
			return t.invoke(n, args)
		}
	}
	return toolError(fmt.Sprintf("unknown function %q", name))
}
