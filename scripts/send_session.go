package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/harunnryd/speechd/pkg/configutil"
	"github.com/harunnryd/speechd/pkg/events"
	"github.com/harunnryd/speechd/pkg/message"
	"github.com/harunnryd/speechd/pkg/speechd"
	"github.com/harunnryd/speechd/pkg/transports"
	"github.com/harunnryd/speechd/pkg/transports/mqtt"
	"github.com/harunnryd/speechd/pkg/transports/websocket"
)

type step struct {
	topic   string
	payload []byte
}

// send_session plays the device side of one voice session against a running
// speechd: prepare, wake, the audio file in frames, sleep. It then prints
// whatever speechd publishes until the wait expires.
func main() {
	configPath := flag.String("config", "configs/speechd.yaml", "")
	audioPath := flag.String("audio", "", "raw pcm audio to stream")
	frame := flag.Int("frame", 3200, "bytes per voice message")
	turen := flag.Int("turen", 1, "turen id carried by the wake message")
	uri := flag.String("uri", "", "engine uri for the prepare message")
	wait := flag.Duration("wait", 10*time.Second, "")
	flag.Parse()
	if *audioPath == "" {
		fmt.Println("usage: send_session -audio=utterance.pcm [-config=...] [-turen=1]")
		os.Exit(1)
	}
	audio, err := os.ReadFile(*audioPath)
	if err != nil {
		fmt.Println("audio error:", err)
		os.Exit(1)
	}
	cfg, err := speechd.LoadConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	tr, err := deviceTransport(cfg.Transport)
	if err != nil {
		fmt.Println("transport error:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *wait)
	defer cancel()
	if err := tr.Start(ctx); err != nil {
		fmt.Println("connect error:", err)
		os.Exit(1)
	}
	defer tr.Stop()
	t := cfg.Topics
	if err := tr.Subscribe(ctx, t.FinalASR, t.NLP, t.Error); err != nil {
		fmt.Println("subscribe error:", err)
		os.Exit(1)
	}

	steps := []step{
		{t.PrepareOptions, message.NewWriter().
			WriteString(*uri).
			WriteString(os.Getenv("SPEECHD_KEY")).
			WriteString(os.Getenv("SPEECHD_DEVICE_TYPE")).
			WriteString(os.Getenv("SPEECHD_SECRET")).
			WriteString(os.Getenv("SPEECHD_DEVICE_ID")).
			WriteInt32(0).WriteInt32(0).WriteInt32(0).
			MustBytes()},
		{t.Wake, message.NewWriter().
			WriteString("script").
			WriteInt32(0).WriteInt32(0).WriteFloat64(0).WriteInt32(0).
			WriteInt32(int32(*turen)).
			MustBytes()},
	}
	for off := 0; off < len(audio); off += *frame {
		end := min(off+*frame, len(audio))
		steps = append(steps, step{t.Voice, message.NewWriter().WriteBinary(audio[off:end]).MustBytes()})
	}
	steps = append(steps, step{t.Sleep, nil})

	for _, s := range steps {
		if err := tr.Post(ctx, s.topic, s.payload, transports.Instant); err != nil {
			fmt.Println("publish error:", s.topic, err)
			os.Exit(1)
		}
	}
	fmt.Printf("sent %d messages\n", len(steps))

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-tr.Recv():
			if !ok {
				return
			}
			printResult(t, msg)
			if msg.Topic != t.FinalASR {
				return
			}
		}
	}
}

func deviceTransport(vc speechd.VendorConfig) (transports.Transport, error) {
	switch strings.ToLower(strings.TrimSpace(vc.Provider)) {
	case "mqtt":
		var settings mqtt.Config
		if err := configutil.DecodeSettings(vc.Settings, &settings); err != nil {
			return nil, err
		}
		// The daemon keeps the configured client id.
		settings.ClientID = ""
		return mqtt.New(settings), nil
	case "websocket":
		var settings websocket.Config
		if err := configutil.DecodeSettings(vc.Settings, &settings); err != nil {
			return nil, err
		}
		return websocket.New(settings), nil
	default:
		return nil, errors.New("unsupported transport provider: " + vc.Provider)
	}
}

func printResult(t speechd.Topics, msg transports.Message) {
	switch msg.Topic {
	case t.FinalASR:
		r, err := events.DecodeFinalASR(msg.Payload)
		fmt.Printf("final_asr: %q turen=%d err=%v\n", r.Transcript, r.TurenID, err)
	case t.NLP:
		r, err := events.DecodeNLPResult(msg.Payload)
		fmt.Printf("nlp: %s action=%s err=%v\n", r.NLP, r.Action, err)
	case t.Error:
		r, err := events.DecodeErrorResult(msg.Payload)
		fmt.Printf("error: code=%d turen=%d err=%v\n", r.Code, r.TurenID, err)
	}
}
