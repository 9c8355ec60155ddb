package speechd

import (
	"fmt"

	"github.com/harunnryd/speechd/pkg/configutil"
	"github.com/harunnryd/speechd/pkg/events"
)

// Topics names every bus topic the daemon subscribes to or publishes on.
type Topics struct {
	PrepareOptions string `mapstructure:"prepare_options"`
	SessionOptions string `mapstructure:"session_options"`
	Stack          string `mapstructure:"stack"`
	Wake           string `mapstructure:"wake"`
	Voice          string `mapstructure:"voice"`
	Sleep          string `mapstructure:"sleep"`
	FinalASR       string `mapstructure:"final_asr"`
	NLP            string `mapstructure:"nlp"`
	Error          string `mapstructure:"error"`
}

func DefaultTopics() Topics {
	return Topics{
		PrepareOptions: events.TopicPrepareOptions,
		SessionOptions: events.TopicSessionOptions,
		Stack:          events.TopicStack,
		Wake:           events.TopicWake,
		Voice:          events.TopicVoice,
		Sleep:          events.TopicSleep,
		FinalASR:       events.TopicFinalASR,
		NLP:            events.TopicNLP,
		Error:          events.TopicError,
	}
}

// Inbound returns the subscribed topics in subscription order.
func (t Topics) Inbound() []string {
	return []string{t.PrepareOptions, t.SessionOptions, t.Stack, t.Wake, t.Voice, t.Sleep}
}

// Kinds maps each inbound topic to the event kind it carries.
func (t Topics) Kinds() map[string]events.Kind {
	return map[string]events.Kind{
		t.PrepareOptions: events.KindPrepareOptions,
		t.SessionOptions: events.KindSessionOptions,
		t.Stack:          events.KindStack,
		t.Wake:           events.KindWake,
		t.Voice:          events.KindVoice,
		t.Sleep:          events.KindSleep,
	}
}

func (t Topics) Validate() error {
	all := map[string]string{
		"topics.prepare_options": t.PrepareOptions,
		"topics.session_options": t.SessionOptions,
		"topics.stack":           t.Stack,
		"topics.wake":            t.Wake,
		"topics.voice":           t.Voice,
		"topics.sleep":           t.Sleep,
		"topics.final_asr":       t.FinalASR,
		"topics.nlp":             t.NLP,
		"topics.error":           t.Error,
	}
	for path, v := range all {
		if err := configutil.RequireString(v, path); err != nil {
			return err
		}
	}
	seen := make(map[string]bool, 6)
	for _, topic := range t.Inbound() {
		if seen[topic] {
			return fmt.Errorf("topics: inbound topic %q listed twice", topic)
		}
		seen[topic] = true
	}
	return nil
}
