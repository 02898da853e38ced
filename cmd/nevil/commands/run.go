package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nevil-robotics/nevil-core/pkg/bus"
	"github.com/nevil-robotics/nevil-core/pkg/chatlog"
	"github.com/nevil-robotics/nevil-core/pkg/config"
	"github.com/nevil-robotics/nevil-core/pkg/gesture"
	"github.com/nevil-robotics/nevil-core/pkg/hardware"
	"github.com/nevil-robotics/nevil-core/pkg/kv"
	"github.com/nevil-robotics/nevil-core/pkg/launch"
	"github.com/nevil-robotics/nevil-core/pkg/logging"
	"github.com/nevil-robotics/nevil-core/pkg/mutex"
	"github.com/nevil-robotics/nevil-core/pkg/node"
	"github.com/nevil-robotics/nevil-core/pkg/nodes/aicore"
	"github.com/nevil-robotics/nevil-core/pkg/nodes/audiocapture"
	"github.com/nevil-robotics/nevil-core/pkg/nodes/speechsynth"
	"github.com/nevil-robotics/nevil-core/pkg/realtime"
	"github.com/nevil-robotics/nevil-core/pkg/vision"
)

var (
	runConfigDir   string
	runMonitorAddr string
	runDataDir     string
	runTransport   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Launch the full node graph and block until shutdown",
	RunE:  runMain,
}

func init() {
	runCmd.Flags().StringVarP(&runConfigDir, "config", "c", "configs", "directory holding nevil.yaml and nodes/")
	runCmd.Flags().StringVar(&runMonitorAddr, "monitor", "", "monitor endpoint address (\"off\" to disable)")
	runCmd.Flags().StringVar(&runDataDir, "data", "", "data directory for the chat log store (default ~/.nevil)")
	runCmd.Flags().StringVar(&runTransport, "transport", "websocket", "realtime transport: websocket or webrtc")
	rootCmd.AddCommand(runCmd)
}

// realtimeConfig is the realtime section of the ai_cognition descriptor's
// configuration block.
type realtimeConfig struct {
	APIKey             string  `yaml:"api_key"`
	Model              string  `yaml:"model"`
	Voice              string  `yaml:"voice"`
	Instructions       string  `yaml:"instructions"`
	Temperature        float64 `yaml:"temperature"`
	TranscriptionModel string  `yaml:"transcription_model"`
	Language           string  `yaml:"language"`
	InputDevice        string  `yaml:"input_device"`
	OutputDevice       string  `yaml:"output_device"`
}

func runMain(cmd *cobra.Command, _ []string) error {
	loader := config.NewLoader(runConfigDir)
	root, err := loader.LoadRoot()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := root.System.LogLevel
	if verbose {
		level = "debug"
	}
	log := logging.New(level)

	dataDir := runDataDir
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		dataDir = filepath.Join(home, ".nevil")
	}
	store, err := kv.NewBadger(kv.BadgerOptions{Dir: filepath.Join(dataDir, "chatlog"), Log: log})
	if err != nil {
		return fmt.Errorf("open chat log store: %w", err)
	}
	chat := chatlog.New(store, log)
	defer chat.Close()

	// Realtime settings come from the AI node's descriptor so every
	// shared-session consumer sees one configuration.
	aiDesc, err := loader.LoadNode("ai_cognition")
	if err != nil {
		return fmt.Errorf("load ai_cognition descriptor: %w", err)
	}
	var rtCfg realtimeConfig
	if err := aiDesc.Configuration.Decode(&rtCfg); err != nil {
		return fmt.Errorf("decode ai_cognition configuration: %w", err)
	}
	if rtCfg.APIKey == "" {
		rtCfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if rtCfg.APIKey == "" {
		return fmt.Errorf("no api key: set configuration.api_key or OPENAI_API_KEY")
	}
	if rtCfg.Model == "" {
		rtCfg.Model = "gpt-4o-realtime-preview"
	}
	if rtCfg.TranscriptionModel == "" {
		rtCfg.TranscriptionModel = "whisper-1"
	}

	session := &realtime.SessionConfig{
		Modalities:        []string{realtime.ModalityText, realtime.ModalityAudio},
		Instructions:      rtCfg.Instructions,
		Voice:             rtCfg.Voice,
		InputAudioFormat:  realtime.AudioFormatPCM16,
		OutputAudioFormat: realtime.AudioFormatPCM16,
		InputAudioTranscription: &realtime.TranscriptionConfig{
			Model:    rtCfg.TranscriptionModel,
			Language: rtCfg.Language,
		},
		// Local VAD owns turn-taking; the server never auto-commits.
		TurnDetectionDisabled: true,
		Tools:                 aicore.ToolCatalog(),
	}
	if rtCfg.Temperature > 0 {
		session.Temperature = &rtCfg.Temperature
	}

	var transport realtime.Transport
	switch runTransport {
	case "webrtc":
		transport = &realtime.WebRTCTransport{
			Model:       rtCfg.Model,
			Credentials: realtime.Credentials{APIKey: rtCfg.APIKey},
		}
	default:
		transport = &realtime.WebSocketTransport{
			Model:       rtCfg.Model,
			Credentials: realtime.Credentials{APIKey: rtCfg.APIKey},
		}
	}
	conn := realtime.NewConnection(realtime.Config{
		Transport: transport,
		Session:   session,
		Log:       log,
	})
	conn.Start()
	defer conn.Stop()

	injector := gesture.NewInjector(int64(os.Getpid()))
	ledger := gesture.NewLedger()
	mics := mutex.NewRegistry()
	describer := vision.NewClient(rtCfg.APIKey)

	registry := launch.Registry{}
	registry.Register("ai_cognition", func(deps *launch.Deps) (node.Body, error) {
		var cfg aicore.Config
		if err := deps.Descriptor.Configuration.Decode(&cfg); err != nil {
			return nil, err
		}
		return aicore.New(conn, describer, deps.Injector, deps.Ledger, deps.ChatLog, cfg), nil
	})
	registry.Register("speech_recognition", func(deps *launch.Deps) (node.Body, error) {
		var cfg audiocapture.Config
		if err := deps.Descriptor.Configuration.Decode(&cfg); err != nil {
			return nil, err
		}
		device, err := hardware.OpenArecord(rtCfg.InputDevice, audiocapture.SampleRate)
		if err != nil {
			return nil, err
		}
		return audiocapture.New(device, conn, deps.Mutex, cfg), nil
	})
	registry.Register("speech_synthesis", func(deps *launch.Deps) (node.Body, error) {
		var cfg speechsynth.Config
		if err := deps.Descriptor.Configuration.Decode(&cfg); err != nil {
			return nil, err
		}
		player := &hardware.AplayPlayer{Device: rtCfg.OutputDevice}
		return speechsynth.New(conn, player, deps.Mutex, deps.Injector, deps.Ledger, deps.ChatLog, cfg), nil
	})

	launcher := launch.New(launch.Options{
		Loader:      loader,
		Root:        root,
		Registry:    registry,
		Log:         log,
		Bus:         bus.New(log),
		Mutex:       mics,
		Realtime:    conn,
		Injector:    injector,
		Ledger:      ledger,
		ChatLog:     chat,
		MonitorAddr: runMonitorAddr,
	})
	return launcher.Run(context.Background())
}
