package bus

import (
	"strings"
	"testing"
	"time"
)

func TestTopics_Unique(t *testing.T) {
	topics := []string{
		TopicTurnStarted, TopicTurnState, TopicTurnCompleted, TopicTurnFailed,
		TopicToolCalled, TopicToolObserved, TopicSQLRejected,
		TopicSchemaRefreshed, TopicConfigReloaded,
	}
	seen := make(map[string]bool)
	for _, topic := range topics {
		if topic == "" {
			t.Fatal("empty topic constant")
		}
		if seen[topic] {
			t.Fatalf("duplicate topic %q", topic)
		}
		seen[topic] = true
	}
}

func TestTopics_TurnPrefixCoversLifecycle(t *testing.T) {
	for _, topic := range []string{TopicTurnStarted, TopicTurnState, TopicTurnCompleted, TopicTurnFailed} {
		if !strings.HasPrefix(topic, "turn.") {
			t.Fatalf("%q does not share the turn. prefix", topic)
		}
	}
}

func TestTopics_ToolEventDelivered(t *testing.T) {
	b := New()
	sub := b.Subscribe("tool.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicToolObserved, ToolEvent{TurnID: "t1", Tool: "sql_db_query", Kind: "unknown_schema_object"})
	b.Publish(TopicTurnState, TurnStateEvent{TurnID: "t1", From: "THINKING", To: "ACTING"})

	select {
	case ev := <-sub.Ch():
		te, ok := ev.Payload.(ToolEvent)
		if !ok {
			t.Fatalf("payload type = %T", ev.Payload)
		}
		if te.Kind != "unknown_schema_object" || te.Tool != "sql_db_query" {
			t.Fatalf("unexpected payload %+v", te)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for tool event")
	}

	select {
	case ev := <-sub.Ch():
		t.Fatalf("turn event leaked into tool subscription: %v", ev.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}
